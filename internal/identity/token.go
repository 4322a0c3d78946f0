// Package identity issues and verifies the signed bearer tokens used across
// services, federates external identity providers, and syncs provider
// identities into local users.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/netsight-io/netsight/internal/store"
)

// TokenKind distinguishes the credentials the platform issues.
type TokenKind string

const (
	KindSession TokenKind = "session"
	KindService TokenKind = "service"
	KindInvite  TokenKind = "invite"
	KindReset   TokenKind = "reset"
)

// TTLs per token kind. Service tokens are long-lived by contract.
const (
	SessionTTL = 8 * time.Hour
	ServiceTTL = 366 * 24 * time.Hour
	InviteTTL  = 72 * time.Hour
	ResetTTL   = 15 * time.Minute

	// clockSkewLeeway bounds accepted clock drift between services.
	clockSkewLeeway = 30 * time.Second
)

// Claims is the unified claim set. Kind-specific fields are zero for other
// kinds: Service is true only on service tokens, Scope is "reset" only on
// password-reset tokens.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
	Service  bool   `json:"service,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a numeric user id. Zero for service tokens.
func (c *Claims) UserID() int64 {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// VerifyStatus is the structured verification outcome. The verifier never
// reports more detail than the status; in particular signature and key
// failures are indistinguishable from tampering.
type VerifyStatus int

const (
	StatusValid VerifyStatus = iota
	StatusExpired
	StatusBadSignature
	StatusMalformed
	StatusWrongKind
)

func (s VerifyStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusBadSignature:
		return "signature"
	case StatusMalformed:
		return "malformed"
	case StatusWrongKind:
		return "wrong-kind"
	default:
		return "unknown"
	}
}

// Outcome bundles the status with the claims (populated only when valid).
type Outcome struct {
	Status VerifyStatus
	Claims *Claims
}

// Valid reports whether verification succeeded.
func (o Outcome) Valid() bool { return o.Status == StatusValid }

// TokenService signs and verifies all token kinds with a shared HMAC secret.
type TokenService struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
}

// NewTokenService builds a token service for the given HS-family algorithm.
func NewTokenService(secret, algorithm string) (*TokenService, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("identity: unknown signing algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("identity: algorithm %q is not HMAC-family", algorithm)
	}
	return &TokenService{
		secret: []byte(secret),
		method: method,
		issuer: "netsight",
	}, nil
}

func (t *TokenService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(t.method, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return signed, nil
}

func registered(subject string, ttl time.Duration, issuer string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueSession creates a user session token.
func (t *TokenService) IssueSession(user *store.User) (string, error) {
	return t.sign(&Claims{
		Username:         user.Username,
		Role:             string(user.Role),
		RegisteredClaims: registered(strconv.FormatInt(user.ID, 10), SessionTTL, t.issuer),
	})
}

// IssueService creates a long-lived service-to-service token. Service
// tokens always carry service=true and role owner.
func (t *TokenService) IssueService(serviceName string) (string, error) {
	return t.sign(&Claims{
		Username:         serviceName,
		Role:             string(store.RoleOwner),
		Service:          true,
		RegisteredClaims: registered(serviceName, ServiceTTL, t.issuer),
	})
}

// IssueInvite creates a single-redemption invite token.
func (t *TokenService) IssueInvite(inviteID int64, email string, role store.Role) (string, error) {
	return t.sign(&Claims{
		Email:            email,
		Role:             string(role),
		RegisteredClaims: registered(strconv.FormatInt(inviteID, 10), InviteTTL, t.issuer),
	})
}

// IssueReset creates a one-shot password-reset token.
func (t *TokenService) IssueReset(userID int64) (string, error) {
	return t.sign(&Claims{
		Scope:            "reset",
		RegisteredClaims: registered(strconv.FormatInt(userID, 10), ResetTTL, t.issuer),
	})
}

// Verify checks signature, expiry, and kind. The signing algorithm is
// whitelisted to the HMAC family regardless of what the token header claims.
func (t *TokenService) Verify(raw string, expected TokenKind) Outcome {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithLeeway(clockSkewLeeway),
	)

	switch {
	case err == nil && token.Valid:
		// continue to kind check
	case errors.Is(err, jwt.ErrTokenExpired):
		return Outcome{Status: StatusExpired}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Outcome{Status: StatusBadSignature}
	default:
		return Outcome{Status: StatusMalformed}
	}

	if kindOf(claims) != expected {
		return Outcome{Status: StatusWrongKind}
	}
	return Outcome{Status: StatusValid, Claims: claims}
}

// kindOf derives the kind from the claim shape. Service tokens always carry
// service=true and user tokens never do, so the discriminators are total.
func kindOf(c *Claims) TokenKind {
	switch {
	case c.Service:
		return KindService
	case c.Scope == "reset":
		return KindReset
	case c.Email != "" && c.Username == "":
		return KindInvite
	default:
		return KindSession
	}
}

