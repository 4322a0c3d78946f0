package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// inviteTTL is how long an invite token stays redeemable.
const inviteTTL = 72 * time.Hour

// Invites manages single-use invitations.
type Invites struct {
	db *sqlx.DB
}

func NewInvites(db *sqlx.DB) *Invites {
	return &Invites{db: db}
}

// Create issues a pending invite for email with the given role.
func (i *Invites) Create(ctx context.Context, email string, role Role) (*Invite, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("invites: token: %w", err)
	}

	inv := &Invite{
		Email:     email,
		Role:      role,
		Token:     hex.EncodeToString(buf),
		Status:    InvitePending,
		ExpiresAt: time.Now().Add(inviteTTL),
	}
	err := i.db.QueryRowContext(ctx, `
		INSERT INTO invites (email, role, token, status, expires_at)
		VALUES (LOWER($1), $2, $3, $4, $5)
		RETURNING id, created_at`,
		inv.Email, inv.Role, inv.Token, inv.Status, inv.ExpiresAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invites: create: %w", err)
	}
	return inv, nil
}

// ByToken resolves an invite by its opaque token. Expired pending invites
// are transitioned to expired before being returned.
func (i *Invites) ByToken(ctx context.Context, token string) (*Invite, error) {
	var inv Invite
	err := i.db.GetContext(ctx, &inv, `SELECT * FROM invites WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "Invite not found")
	}
	if err != nil {
		return nil, fmt.Errorf("invites: by token: %w", err)
	}

	if inv.Status == InvitePending && time.Now().After(inv.ExpiresAt) {
		inv.Status = InviteExpired
		if _, err := i.db.ExecContext(ctx,
			`UPDATE invites SET status = $2 WHERE id = $1`, inv.ID, InviteExpired); err != nil {
			return nil, fmt.Errorf("invites: expire: %w", err)
		}
	}
	return &inv, nil
}

// Accept transitions a pending invite to accepted. Single use: a second
// accept returns Conflict.
func (i *Invites) Accept(ctx context.Context, id int64) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE invites SET status = $2 WHERE id = $1 AND status = $3`,
		id, InviteAccepted, InvitePending)
	if err != nil {
		return fmt.Errorf("invites: accept: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.E(apperr.Conflict, "Invite is no longer pending")
	}
	return nil
}

// Revoke cancels a pending invite.
func (i *Invites) Revoke(ctx context.Context, id int64) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE invites SET status = $2 WHERE id = $1 AND status = $3`,
		id, InviteRevoked, InvitePending)
	if err != nil {
		return fmt.Errorf("invites: revoke: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.E(apperr.Conflict, "Invite is no longer pending")
	}
	return nil
}
