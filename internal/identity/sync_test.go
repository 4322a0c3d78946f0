package identity

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/store"
)

func newSyncer(t *testing.T) (*Syncer, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewSyncer(store.NewUsers(db), store.NewProviderLinks(db), zerolog.Nop()), mock
}

func userColumns() []string {
	return []string{
		"id", "username", "email", "role", "hashed_password",
		"verified", "active", "timezone", "avatar_url",
		"first_name", "last_name", "created_at",
	}
}

func userRow(mock sqlmock.Sqlmock, id int64, username, email string) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns()).
		AddRow(id, username, email, "member", "", true, true, "UTC", "", "", "", time.Now())
}

func linkColumns() []string {
	return []string{"id", "user_id", "auth_provider", "provider_user_id", "created_at"}
}

var testClaims = &IdentityClaims{
	Provider:       store.ProviderExternalA,
	ProviderUserID: "ext-123",
	Email:          "Alice@Example.com",
	Username:       "alice",
}

func TestSyncResolvesExistingLink(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links WHERE auth_provider = $1 AND provider_user_id = $2`)).
		WithArgs(store.ProviderExternalA, "ext-123").
		WillReturnRows(sqlmock.NewRows(linkColumns()).AddRow(1, 42, "external-a", "ext-123", time.Now()))
	// Profile unchanged: no update issued.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE id = $1`)).
		WithArgs(int64(42)).
		WillReturnRows(userRow(mock, 42, "alice", "alice@example.com"))

	result, err := s.SyncProviderUser(context.Background(), testClaims, true)
	require.NoError(t, err)
	require.Equal(t, int64(42), result.UserID)
	require.False(t, result.Created)
	require.False(t, result.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncLinksByEmailCaseInsensitive(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email) = LOWER($1)`)).
		WithArgs("Alice@Example.com").
		WillReturnRows(userRow(mock, 7, "alice", "alice@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO provider_links`)).
		WithArgs(int64(7), store.ProviderExternalA, "ext-123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(3, time.Now()))

	result, err := s.SyncProviderUser(context.Background(), testClaims, true)
	require.NoError(t, err)
	require.Equal(t, int64(7), result.UserID)
	require.False(t, result.Created)
	require.True(t, result.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncCreatesUserWhenMissing(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email)`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE username = $1`)).
		WithArgs("alice").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(99, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO provider_links`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(4, time.Now()))

	result, err := s.SyncProviderUser(context.Background(), testClaims, true)
	require.NoError(t, err)
	require.Equal(t, int64(99), result.UserID)
	require.True(t, result.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncUsernameCollisionSuffix(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email)`)).
		WillReturnError(sql.ErrNoRows)
	// "alice" and "alice-2" taken, "alice-3" free.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE username = $1`)).
		WithArgs("alice").
		WillReturnRows(userRow(mock, 1, "alice", "a1@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE username = $1`)).
		WithArgs("alice-2").
		WillReturnRows(userRow(mock, 2, "alice-2", "a2@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE username = $1`)).
		WithArgs("alice-3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(100, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO provider_links`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))

	result, err := s.SyncProviderUser(context.Background(), testClaims, true)
	require.NoError(t, err)
	require.True(t, result.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncCreateRaceFallsBackToEmailMatch(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email)`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE username = $1`)).
		WillReturnError(sql.ErrNoRows)
	// A concurrent sync won the insert.
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(errors.New(`duplicate key value violates unique constraint "users_email_key"`))
	// Retry resolves the winner via email.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email)`)).
		WillReturnRows(userRow(mock, 55, "alice", "alice@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO provider_links`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(6, time.Now()))

	result, err := s.SyncProviderUser(context.Background(), testClaims, true)
	require.NoError(t, err)
	require.Equal(t, int64(55), result.UserID)
	require.False(t, result.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncNoCreateWhenDisallowed(t *testing.T) {
	s, mock := newSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM provider_links`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE LOWER(email)`)).
		WillReturnError(sql.ErrNoRows)

	result, err := s.SyncProviderUser(context.Background(), testClaims, false)
	require.NoError(t, err)
	require.Nil(t, result)
	require.NoError(t, mock.ExpectationsWereMet())
}
