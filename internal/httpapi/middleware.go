package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/quota"
	"github.com/netsight-io/netsight/internal/store"
)

type contextKey int

const (
	claimsKey contextKey = iota
	userKey
)

// ClaimsFrom returns the verified token claims, or nil outside the auth
// middleware.
func ClaimsFrom(ctx context.Context) *identity.Claims {
	claims, _ := ctx.Value(claimsKey).(*identity.Claims)
	return claims
}

// UserFrom returns the authenticated user, or nil.
func UserFrom(ctx context.Context) *store.User {
	user, _ := ctx.Value(userKey).(*store.User)
	return user
}

// requestToken extracts the bearer token from the Authorization header or,
// for browser transports that cannot set headers, the token query param.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if raw, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return raw
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticator resolves the bearer token through the local identity
// provider and stashes claims and user in the context. Service tokens pass
// without a user record.
func Authenticator(provider *identity.LocalProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := requestToken(r)
			if raw == "" {
				renderError(w, apperr.E(apperr.NotAuthenticated, "Not authenticated"))
				return
			}

			claims, user, err := provider.Authenticate(r.Context(), raw)
			if err != nil {
				renderError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			if user != nil {
				ctx = context.WithValue(ctx, userKey, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole guards a subtree with a minimum platform role.
func RequireRole(roles ...store.Role) func(http.Handler) http.Handler {
	allowed := map[store.Role]bool{}
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFrom(r.Context())
			if user == nil || !allowed[user.Role] {
				renderError(w, apperr.E(apperr.Forbidden, "Insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for logging and usage.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("Request")
		})
	}
}

// UsageRecorder feeds per-endpoint statistics into the usage reporter.
func UsageRecorder(recorder *quota.UsageRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			recorder.Record(r.Context(), quota.Sample{
				Method:     r.Method,
				Endpoint:   r.URL.Path,
				StatusCode: rec.status,
				Latency:    time.Since(start),
			})
		})
	}
}
