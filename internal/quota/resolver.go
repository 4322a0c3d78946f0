// Package quota enforces per-user daily quotas against the KV store and
// resolves each user's effective limit from the relational store.
package quota

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/store"
)

// Unlimited is the resolved-limit sentinel for users without a quota.
const Unlimited int64 = -1

// exemptRoles never hit the daily quota.
var exemptRoles = map[store.Role]bool{
	store.RoleOwner: true,
	store.RoleAdmin: true,
}

// Resolver computes a user's effective daily limit.
type Resolver struct {
	users        *store.Users
	limits       *store.RateLimits
	defaultLimit int64
	logger       zerolog.Logger
}

func NewResolver(users *store.Users, limits *store.RateLimits, defaultLimit int64, logger zerolog.Logger) *Resolver {
	return &Resolver{
		users:        users,
		limits:       limits,
		defaultLimit: defaultLimit,
		logger:       logger.With().Str("component", "quota_resolver").Logger(),
	}
}

// EffectiveLimit resolves the numeric limit for a user: Unlimited (-1) when
// no quota applies, otherwise a positive count.
//
//  1. Exempt roles are unlimited; the row is persisted/refreshed so other
//     services resolve the same answer without re-reading the role.
//  2. Otherwise the stored tri-state applies: custom, unlimited, or — when
//     a stale role exemption remains after a demotion — revert to default.
//  3. Without an override the user's plan supplies the limit; the
//     configured default covers plan lookup failures.
func (r *Resolver) EffectiveLimit(ctx context.Context, user *store.User) int64 {
	if exemptRoles[user.Role] {
		if err := r.limits.Upsert(ctx, user.ID, store.LimitSetting{Mode: store.LimitUnlimited}, true); err != nil {
			r.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to persist role exemption")
		}
		return Unlimited
	}

	row, err := r.limits.Get(ctx, user.ID)
	if apperr.KindOf(err) == apperr.NotFound {
		return r.planLimit(ctx, user.ID)
	}
	if err != nil {
		r.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("Rate limit lookup failed, using role fallback")
		return r.defaultLimit
	}

	setting := row.Setting()
	switch setting.Mode {
	case store.LimitCustom:
		return setting.Value
	case store.LimitUnlimited:
		if row.IsRoleExempt {
			// Role no longer qualifies: the exemption is stale. Revert to
			// the default and clear the row.
			if err := r.limits.Upsert(ctx, user.ID, store.LimitSetting{Mode: store.LimitDefault}, false); err != nil {
				r.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to revert stale exemption")
			}
			return r.planLimit(ctx, user.ID)
		}
		// Manual unlimited override.
		return Unlimited
	default:
		return r.planLimit(ctx, user.ID)
	}
}

// planLimit resolves the user's plan-level chat limit, seeding the plan row
// on first access. The configured default covers lookup failures and plans
// without a positive limit.
func (r *Resolver) planLimit(ctx context.Context, userID int64) int64 {
	plan, err := r.limits.PlanSettings(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Int64("user_id", userID).Msg("Plan settings lookup failed, using system default")
		return r.defaultLimit
	}
	if plan.AssistantDailyChatLimit <= 0 {
		return r.defaultLimit
	}
	return plan.AssistantDailyChatLimit
}

// SetUserLimit upserts a manual override.
func (r *Resolver) SetUserLimit(ctx context.Context, userID int64, setting store.LimitSetting) error {
	return r.limits.Upsert(ctx, userID, setting, false)
}

// ResetUserToDefault clears any override so the system default applies.
func (r *Resolver) ResetUserToDefault(ctx context.Context, userID int64) error {
	return r.limits.Upsert(ctx, userID, store.LimitSetting{Mode: store.LimitDefault}, false)
}
