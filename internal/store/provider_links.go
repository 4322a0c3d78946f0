package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// ProviderLinks binds external identities to local users.
type ProviderLinks struct {
	db *sqlx.DB
}

func NewProviderLinks(db *sqlx.DB) *ProviderLinks {
	return &ProviderLinks{db: db}
}

// Find returns the link for (provider, provider_user_id), if any.
func (p *ProviderLinks) Find(ctx context.Context, provider AuthProviderName, providerUserID string) (*ProviderLink, error) {
	var link ProviderLink
	err := p.db.GetContext(ctx, &link,
		`SELECT * FROM provider_links WHERE auth_provider = $1 AND provider_user_id = $2`,
		provider, providerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "Provider link not found")
	}
	if err != nil {
		return nil, fmt.Errorf("provider links: find: %w", err)
	}
	return &link, nil
}

// Create inserts a link. Duplicate (provider, provider_user_id) or a second
// link for the same (user, provider) surfaces as Conflict.
func (p *ProviderLinks) Create(ctx context.Context, link *ProviderLink) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO provider_links (user_id, auth_provider, provider_user_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		link.UserID, link.Provider, link.ProviderUserID,
	).Scan(&link.ID, &link.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "Provider link already exists", err)
	}
	if err != nil {
		return fmt.Errorf("provider links: create: %w", err)
	}
	return nil
}

// ForUser returns all links held by a user.
func (p *ProviderLinks) ForUser(ctx context.Context, userID int64) ([]ProviderLink, error) {
	var links []ProviderLink
	err := p.db.SelectContext(ctx, &links,
		`SELECT * FROM provider_links WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("provider links: for user: %w", err)
	}
	return links, nil
}
