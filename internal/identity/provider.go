package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/store"
)

// IdentityClaims is the provider-neutral identity a federation provider
// resolves from a token or session.
type IdentityClaims struct {
	Provider       store.AuthProviderName
	ProviderUserID string
	Email          string
	Username       string
	AvatarURL      string
	FirstName      string
	LastName       string
}

// AuthProvider abstracts an identity source. LocalProvider validates
// own-issued tokens; ExternalProvider exchanges opaque sessions with a
// remote IdP.
type AuthProvider interface {
	// ValidateToken resolves a raw bearer token to identity claims, or nil
	// when the token does not authenticate anyone.
	ValidateToken(ctx context.Context, raw string) (*IdentityClaims, error)
	// ValidateSession resolves the request's session (cookie or header).
	ValidateSession(r *http.Request) (*IdentityClaims, error)
	// HandleWebhook acknowledges provider lifecycle callbacks.
	HandleWebhook(r *http.Request) error
	// LoginURL returns where to send a browser to start a login.
	LoginURL(redirect string) string
	// LogoutURL returns where to send a browser to end the session.
	LogoutURL(redirect string) string
	// RevokeSession invalidates a session at the provider.
	RevokeSession(ctx context.Context, sessionID string) error
}

// LocalProvider validates tokens this platform issued and resolves them
// against the user store. Claims are returned only for active users.
type LocalProvider struct {
	tokens *TokenService
	users  *store.Users
	logger zerolog.Logger
}

func NewLocalProvider(tokens *TokenService, users *store.Users, logger zerolog.Logger) *LocalProvider {
	return &LocalProvider{
		tokens: tokens,
		users:  users,
		logger: logger.With().Str("component", "local_auth").Logger(),
	}
}

// Authenticate resolves a raw token to its verified claims and, for session
// tokens, the active user record. Service tokens yield claims with a nil
// user. Failures carry the kind the transport should render.
func (p *LocalProvider) Authenticate(ctx context.Context, raw string) (*Claims, *store.User, error) {
	outcome := p.tokens.Verify(raw, KindSession)
	if outcome.Status == StatusWrongKind {
		// Service-to-service callers present service tokens.
		if svc := p.tokens.Verify(raw, KindService); svc.Valid() {
			return svc.Claims, nil, nil
		}
	}
	if !outcome.Valid() {
		return nil, nil, apperr.E(apperr.InvalidToken, "Invalid or expired token")
	}

	user, err := p.users.ByID(ctx, outcome.Claims.UserID())
	if err != nil {
		return nil, nil, apperr.E(apperr.InvalidToken, "Unknown user")
	}
	if !user.Active {
		return nil, nil, apperr.E(apperr.Forbidden, "Account is deactivated")
	}
	return outcome.Claims, user, nil
}

func (p *LocalProvider) ValidateToken(ctx context.Context, raw string) (*IdentityClaims, error) {
	claims, user, err := p.Authenticate(ctx, raw)
	if err != nil || user == nil {
		return nil, nil
	}

	return &IdentityClaims{
		Provider:       store.ProviderLocal,
		ProviderUserID: claims.Subject,
		Email:          user.Email,
		Username:       user.Username,
		AvatarURL:      user.AvatarURL,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
	}, nil
}

func (p *LocalProvider) ValidateSession(r *http.Request) (*IdentityClaims, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}
	return p.ValidateToken(r.Context(), raw)
}

func (p *LocalProvider) HandleWebhook(r *http.Request) error { return nil }

func (p *LocalProvider) LoginURL(redirect string) string {
	return "/login?redirect=" + url.QueryEscape(redirect)
}

func (p *LocalProvider) LogoutURL(redirect string) string {
	return "/logout?redirect=" + url.QueryEscape(redirect)
}

func (p *LocalProvider) RevokeSession(ctx context.Context, sessionID string) error {
	// Local sessions are stateless bearer tokens; revocation is expiry.
	return nil
}

// ExternalProvider talks to a remote IdP to exchange an opaque session id
// for a verified identity.
type ExternalProvider struct {
	name      store.AuthProviderName
	baseURL   string
	secretKey string
	client    *http.Client
	logger    zerolog.Logger
}

func NewExternalProvider(name store.AuthProviderName, baseURL, secretKey string, logger zerolog.Logger) *ExternalProvider {
	return &ExternalProvider{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With().Str("component", "external_auth").Str("provider", string(name)).Logger(),
	}
}

// externalSession is the remote IdP's session verification response.
type externalSession struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (p *ExternalProvider) ValidateToken(ctx context.Context, raw string) (*IdentityClaims, error) {
	// Without a secret key the provider cannot authenticate anyone.
	if p.secretKey == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/v1/sessions/"+url.PathEscape(raw)+"/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("identity: external verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: external verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug().Int("status", resp.StatusCode).Msg("External session rejected")
		return nil, nil
	}

	var session externalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("identity: external verify decode: %w", err)
	}
	if session.UserID == "" {
		return nil, nil
	}

	return &IdentityClaims{
		Provider:       p.name,
		ProviderUserID: session.UserID,
		Email:          session.Email,
		Username:       session.Username,
		AvatarURL:      session.AvatarURL,
		FirstName:      session.FirstName,
		LastName:       session.LastName,
	}, nil
}

func (p *ExternalProvider) ValidateSession(r *http.Request) (*IdentityClaims, error) {
	sessionID := ""
	if cookie, err := r.Cookie("__session"); err == nil {
		sessionID = cookie.Value
	}
	if sessionID == "" {
		sessionID = bearerToken(r)
	}
	if sessionID == "" {
		return nil, nil
	}
	return p.ValidateToken(r.Context(), sessionID)
}

func (p *ExternalProvider) HandleWebhook(r *http.Request) error {
	// Webhooks are acknowledged; user mutations arrive via the next session
	// validation and SyncProviderUser.
	return nil
}

func (p *ExternalProvider) LoginURL(redirect string) string {
	return p.baseURL + "/login?redirect_url=" + url.QueryEscape(redirect)
}

func (p *ExternalProvider) LogoutURL(redirect string) string {
	return p.baseURL + "/logout?redirect_url=" + url.QueryEscape(redirect)
}

func (p *ExternalProvider) RevokeSession(ctx context.Context, sessionID string) error {
	if p.secretKey == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		p.baseURL+"/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return fmt.Errorf("identity: revoke request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: revoke: %w", err)
	}
	resp.Body.Close()
	return nil
}

// bearerToken extracts a bearer token from the Authorization header, falling
// back to the token query parameter (WebSocket upgrades cannot set headers).
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
