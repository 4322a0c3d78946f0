package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// RateLimits persists per-user daily-quota overrides.
type RateLimits struct {
	db *sqlx.DB
}

func NewRateLimits(db *sqlx.DB) *RateLimits {
	return &RateLimits{db: db}
}

// Get returns the row for a user, or NotFound when none exists (meaning the
// system default applies).
func (r *RateLimits) Get(ctx context.Context, userID int64) (*UserRateLimit, error) {
	var row UserRateLimit
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM user_rate_limits WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "Rate limit not set")
	}
	if err != nil {
		return nil, fmt.Errorf("rate limits: get: %w", err)
	}
	return &row, nil
}

// Upsert writes the tri-state setting for a user. isRoleExempt records
// whether the row was written because the user's role exempts them, so a
// later role change can distinguish role-driven unlimited from a manual
// override.
func (r *RateLimits) Upsert(ctx context.Context, userID int64, setting LimitSetting, isRoleExempt bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_rate_limits (user_id, daily_limit, is_role_exempt, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET daily_limit = $2, is_role_exempt = $3, updated_at = NOW()`,
		userID, setting.columnValue(), isRoleExempt)
	if err != nil {
		return fmt.Errorf("rate limits: upsert: %w", err)
	}
	return nil
}

// PlanSettings returns the user's plan row, creating it with defaults on
// first access.
func (r *RateLimits) PlanSettings(ctx context.Context, userID int64) (*UserPlanSettings, error) {
	var row UserPlanSettings
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM user_plan_settings WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		row = UserPlanSettings{
			UserID:                  userID,
			PlanID:                  "free",
			OwnedNetworksLimit:      3,
			AssistantDailyChatLimit: 50,
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO user_plan_settings (user_id, plan_id, owned_networks_limit, assistant_daily_chat_limit)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO NOTHING`,
			row.UserID, row.PlanID, row.OwnedNetworksLimit, row.AssistantDailyChatLimit)
		if err != nil {
			return nil, fmt.Errorf("rate limits: create plan settings: %w", err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rate limits: plan settings: %w", err)
	}
	return &row, nil
}
