package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// Permissions manages per-network access grants.
type Permissions struct {
	db *sqlx.DB
}

func NewPermissions(db *sqlx.DB) *Permissions {
	return &Permissions{db: db}
}

// Grant adds a viewer/editor grant. Self-grants are forbidden and duplicate
// grants surface as Conflict.
func (p *Permissions) Grant(ctx context.Context, networkID, granterID, userID int64, role NetworkRole) error {
	if granterID == userID {
		return apperr.E(apperr.Forbidden, "Cannot share a network with yourself")
	}
	if role != NetworkRoleViewer && role != NetworkRoleEditor {
		return apperr.E(apperr.Validation, "Role must be viewer or editor")
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO network_permissions (network_id, user_id, role) VALUES ($1, $2, $3)`,
		networkID, userID, role)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "Permission already exists", err)
	}
	if err != nil {
		return fmt.Errorf("permissions: grant: %w", err)
	}
	return nil
}

// Revoke removes a grant.
func (p *Permissions) Revoke(ctx context.Context, networkID, userID int64) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM network_permissions WHERE network_id = $1 AND user_id = $2`,
		networkID, userID)
	if err != nil {
		return fmt.Errorf("permissions: revoke: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.E(apperr.NotFound, "Permission not found")
	}
	return nil
}

// ForNetwork lists all grants on a network.
func (p *Permissions) ForNetwork(ctx context.Context, networkID int64) ([]NetworkPermission, error) {
	var perms []NetworkPermission
	err := p.db.SelectContext(ctx, &perms,
		`SELECT * FROM network_permissions WHERE network_id = $1 ORDER BY user_id`, networkID)
	if err != nil {
		return nil, fmt.Errorf("permissions: for network: %w", err)
	}
	return perms, nil
}

// RoleFor returns the grant a user holds on a network, or NotFound.
func (p *Permissions) RoleFor(ctx context.Context, networkID, userID int64) (NetworkRole, error) {
	var role NetworkRole
	err := p.db.GetContext(ctx, &role, `
		SELECT role FROM network_permissions WHERE network_id = $1 AND user_id = $2`,
		networkID, userID)
	if err != nil {
		return "", apperr.Wrap(apperr.NotFound, "Permission not found", err)
	}
	return role, nil
}
