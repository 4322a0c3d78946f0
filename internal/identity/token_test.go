package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/store"
)

func newTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret", "HS256")
	require.NoError(t, err)
	return ts
}

func TestNewTokenServiceRejectsNonHMAC(t *testing.T) {
	_, err := NewTokenService("secret", "RS256")
	require.Error(t, err)

	_, err = NewTokenService("secret", "none-such")
	require.Error(t, err)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	ts := newTokenService(t)
	user := &store.User{ID: 42, Username: "alice", Role: store.RoleAdmin}

	raw, err := ts.IssueSession(user)
	require.NoError(t, err)

	outcome := ts.Verify(raw, KindSession)
	require.True(t, outcome.Valid())
	require.Equal(t, int64(42), outcome.Claims.UserID())
	require.Equal(t, "alice", outcome.Claims.Username)
	require.Equal(t, "admin", outcome.Claims.Role)
	require.False(t, outcome.Claims.Service)
}

func TestServiceTokenCarriesServiceFlag(t *testing.T) {
	ts := newTokenService(t)

	raw, err := ts.IssueService("metricsd")
	require.NoError(t, err)

	outcome := ts.Verify(raw, KindService)
	require.True(t, outcome.Valid())
	require.True(t, outcome.Claims.Service)
	require.Equal(t, "owner", outcome.Claims.Role)

	// Service tokens never verify as user sessions and vice versa.
	require.Equal(t, StatusWrongKind, ts.Verify(raw, KindSession).Status)

	session, err := ts.IssueSession(&store.User{ID: 1, Username: "u", Role: store.RoleMember})
	require.NoError(t, err)
	require.Equal(t, StatusWrongKind, ts.Verify(session, KindService).Status)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	ts := newTokenService(t)
	other, err := NewTokenService("different-secret", "HS256")
	require.NoError(t, err)

	raw, err := other.IssueSession(&store.User{ID: 1, Username: "u", Role: store.RoleMember})
	require.NoError(t, err)

	require.Equal(t, StatusBadSignature, ts.Verify(raw, KindSession).Status)
}

func TestVerifyRejectsExpired(t *testing.T) {
	ts := newTokenService(t)

	claims := &Claims{
		Username: "old",
		Role:     "member",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	raw, err := ts.sign(claims)
	require.NoError(t, err)

	require.Equal(t, StatusExpired, ts.Verify(raw, KindSession).Status)
}

func TestVerifyHonorsClockSkewLeeway(t *testing.T) {
	ts := newTokenService(t)

	// Expired ten seconds ago: inside the 30s leeway, still valid.
	claims := &Claims{
		Username: "skew",
		Role:     "member",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "9",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
		},
	}
	raw, err := ts.sign(claims)
	require.NoError(t, err)

	require.True(t, ts.Verify(raw, KindSession).Valid())
}

func TestVerifyRejectsMalformed(t *testing.T) {
	ts := newTokenService(t)
	require.Equal(t, StatusMalformed, ts.Verify("not-a-token", KindSession).Status)
	require.Equal(t, StatusMalformed, ts.Verify("", KindSession).Status)
}

func TestResetTokenKind(t *testing.T) {
	ts := newTokenService(t)

	raw, err := ts.IssueReset(13)
	require.NoError(t, err)

	outcome := ts.Verify(raw, KindReset)
	require.True(t, outcome.Valid())
	require.Equal(t, "reset", outcome.Claims.Scope)
	require.Equal(t, int64(13), outcome.Claims.UserID())

	require.Equal(t, StatusWrongKind, ts.Verify(raw, KindSession).Status)
}

func TestInviteTokenKind(t *testing.T) {
	ts := newTokenService(t)

	raw, err := ts.IssueInvite(5, "new@example.com", store.RoleMember)
	require.NoError(t, err)

	outcome := ts.Verify(raw, KindInvite)
	require.True(t, outcome.Valid())
	require.Equal(t, "new@example.com", outcome.Claims.Email)

	require.Equal(t, StatusWrongKind, ts.Verify(raw, KindService).Status)
}
