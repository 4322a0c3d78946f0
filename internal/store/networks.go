package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// Networks is the tenant repository.
type Networks struct {
	db *sqlx.DB
}

func NewNetworks(db *sqlx.DB) *Networks {
	return &Networks{db: db}
}

// newAgentKey generates the 64-hex shared secret agents use to report in.
func newAgentKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("networks: agent key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create inserts a new network owned by ownerID.
func (n *Networks) Create(ctx context.Context, ownerID int64, name, description string) (*Network, error) {
	key, err := newAgentKey()
	if err != nil {
		return nil, err
	}

	nw := &Network{
		OwnerUserID: ownerID,
		Name:        name,
		Description: description,
		AgentKey:    key,
		LayoutData:  []byte("{}"),
	}
	err = n.db.QueryRowContext(ctx, `
		INSERT INTO networks (owner_user_id, name, description, agent_key, layout_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		nw.OwnerUserID, nw.Name, nw.Description, nw.AgentKey, nw.LayoutData,
	).Scan(&nw.ID, &nw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("networks: create: %w", err)
	}
	return nw, nil
}

// ByID returns a network by id.
func (n *Networks) ByID(ctx context.Context, id int64) (*Network, error) {
	var nw Network
	err := n.db.GetContext(ctx, &nw, `SELECT * FROM networks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "Network not found")
	}
	if err != nil {
		return nil, fmt.Errorf("networks: by id: %w", err)
	}
	return &nw, nil
}

// AllIDs returns every network id. An empty result triggers the
// aggregator's single legacy-mode snapshot.
func (n *Networks) AllIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := n.db.SelectContext(ctx, &ids, `SELECT id FROM networks ORDER BY id`); err != nil {
		return nil, fmt.Errorf("networks: all ids: %w", err)
	}
	return ids, nil
}

// VisibleTo returns networks the user owns or holds a permission on.
func (n *Networks) VisibleTo(ctx context.Context, userID int64) ([]Network, error) {
	var nets []Network
	err := n.db.SelectContext(ctx, &nets, `
		SELECT DISTINCT n.* FROM networks n
		LEFT JOIN network_permissions p ON p.network_id = n.id
		WHERE n.owner_user_id = $1 OR p.user_id = $1
		ORDER BY n.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("networks: visible to: %w", err)
	}
	return nets, nil
}

// Update mutates name, description and layout.
func (n *Networks) Update(ctx context.Context, id int64, name, description string, layout []byte) error {
	res, err := n.db.ExecContext(ctx, `
		UPDATE networks SET name = $2, description = $3, layout_data = $4 WHERE id = $1`,
		id, name, description, layout)
	if err != nil {
		return fmt.Errorf("networks: update: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.E(apperr.NotFound, "Network not found")
	}
	return nil
}

// Delete removes a network and, via FK cascade, its permissions.
func (n *Networks) Delete(ctx context.Context, id int64) error {
	res, err := n.db.ExecContext(ctx, `DELETE FROM networks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("networks: delete: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.E(apperr.NotFound, "Network not found")
	}
	return nil
}

// MemberIDs returns the owner plus every permission holder. Used by the
// broadcast scheduler to enumerate recipients.
func (n *Networks) MemberIDs(ctx context.Context, networkID int64) ([]int64, error) {
	var ids []int64
	err := n.db.SelectContext(ctx, &ids, `
		SELECT owner_user_id FROM networks WHERE id = $1
		UNION
		SELECT user_id FROM network_permissions WHERE network_id = $1`, networkID)
	if err != nil {
		return nil, fmt.Errorf("networks: member ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, apperr.E(apperr.NotFound, "Network not found")
	}
	return ids, nil
}
