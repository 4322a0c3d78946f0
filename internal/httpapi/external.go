package httpapi

import (
	"net/http"

	"github.com/netsight-io/netsight/internal/apperr"
)

// handleExternalSession exchanges a federated provider session for a local
// one, provisioning or linking the local account on first contact. The
// provider session arrives as the bearer token or the __session cookie.
func (s *Server) handleExternalSession(w http.ResponseWriter, r *http.Request) {
	claims, err := s.external.ValidateSession(r)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.UpstreamUnavailable, "Identity provider unavailable", err))
		return
	}
	if claims == nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Session is invalid or expired"))
		return
	}

	result, err := s.syncer.SyncProviderUser(r.Context(), claims, true)
	if err != nil {
		renderError(w, err)
		return
	}
	if result == nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "No local account for this identity"))
		return
	}

	user, err := s.users.ByID(r.Context(), result.UserID)
	if err != nil {
		renderError(w, err)
		return
	}
	if !user.Active {
		renderError(w, apperr.E(apperr.Forbidden, "Account is deactivated"))
		return
	}

	token, err := s.tokens.IssueSession(user)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to issue session", err))
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	s.logger.Info().
		Int64("user_id", user.ID).
		Str("provider", string(claims.Provider)).
		Bool("created", result.Created).
		Msg("External session exchanged")
	renderJSON(w, status, sessionResponse{Token: token, User: toUserResponse(user)})
}
