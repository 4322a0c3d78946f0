package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/netsight-io/netsight/internal/apperr"
)

// Users is the user repository.
type Users struct {
	db *sqlx.DB
}

func NewUsers(db *sqlx.DB) *Users {
	return &Users{db: db}
}

// ByID returns the user with the given id.
func (u *Users) ByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := u.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("users: by id: %w", err)
	}
	return &user, nil
}

// ByEmail looks up a user by email, case-insensitively.
func (u *Users) ByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := u.db.GetContext(ctx, &user,
		`SELECT * FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("users: by email: %w", err)
	}
	return &user, nil
}

// ByUsername looks up a user by exact username.
func (u *Users) ByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := u.db.GetContext(ctx, &user, `SELECT * FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("users: by username: %w", err)
	}
	return &user, nil
}

// Create inserts a new user and returns it with its id populated.
// A unique-constraint violation surfaces as Conflict so callers can retry
// the email match (identity sync race).
func (u *Users) Create(ctx context.Context, user *User) error {
	err := u.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, role, hashed_password, verified, active, timezone, avatar_url, first_name, last_name)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		user.Username, user.Email, user.Role, user.HashedPassword,
		user.Verified, user.Active, user.Timezone,
		user.AvatarURL, user.FirstName, user.LastName,
	).Scan(&user.ID, &user.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "User already exists", err)
	}
	if err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// UpdateProfile refreshes mutable profile fields synced from an identity
// provider.
func (u *Users) UpdateProfile(ctx context.Context, id int64, avatarURL, firstName, lastName string) error {
	_, err := u.db.ExecContext(ctx, `
		UPDATE users SET avatar_url = $2, first_name = $3, last_name = $4 WHERE id = $1`,
		id, avatarURL, firstName, lastName)
	if err != nil {
		return fmt.Errorf("users: update profile: %w", err)
	}
	return nil
}

// SetPassword replaces a user's password hash.
func (u *Users) SetPassword(ctx context.Context, id int64, hashed string) error {
	res, err := u.db.ExecContext(ctx, `UPDATE users SET hashed_password = $2 WHERE id = $1`, id, hashed)
	if err != nil {
		return fmt.Errorf("users: set password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.NotFound, "User not found")
	}
	return nil
}

// SetRole mutates a user's role. Only the owner may call this; the guard
// lives in the HTTP layer.
func (u *Users) SetRole(ctx context.Context, id int64, role Role) error {
	res, err := u.db.ExecContext(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role)
	if err != nil {
		return fmt.Errorf("users: set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.NotFound, "User not found")
	}
	return nil
}

// Deactivate soft-deactivates a user. Inactive users cannot authenticate.
func (u *Users) Deactivate(ctx context.Context, id int64) error {
	res, err := u.db.ExecContext(ctx, `UPDATE users SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("users: deactivate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.NotFound, "User not found")
	}
	return nil
}

// All returns every user, active or not.
func (u *Users) All(ctx context.Context) ([]User, error) {
	var users []User
	if err := u.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("users: all: %w", err)
	}
	return users, nil
}
