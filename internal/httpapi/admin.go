package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/store"
)

// adminUserID parses the {userID} route parameter.
func adminUserID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.E(apperr.Validation, "Invalid user id")
	}
	return id, nil
}

// handleListUsers returns every account, active or not.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.All(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, toUserResponse(&users[i]))
	}
	renderJSON(w, http.StatusOK, out)
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// handleSetUserRole changes a user's platform role. Owners cannot change
// their own role, so the platform always keeps at least one owner.
func (s *Server) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := adminUserID(r)
	if err != nil {
		renderError(w, err)
		return
	}
	var req setRoleRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	role := store.Role(req.Role)
	if role != store.RoleOwner && role != store.RoleAdmin && role != store.RoleMember {
		renderError(w, apperr.E(apperr.Validation, "Role must be owner, admin, or member"))
		return
	}
	if caller := UserFrom(r.Context()); caller != nil && caller.ID == id {
		renderError(w, apperr.E(apperr.Validation, "Cannot change your own role"))
		return
	}

	if err := s.users.SetRole(r.Context(), id, role); err != nil {
		renderError(w, err)
		return
	}
	s.logger.Info().Int64("user_id", id).Str("role", string(role)).Msg("User role changed")
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleDeactivateUser soft-deactivates an account. Deactivated users keep
// their data but can no longer authenticate.
func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := adminUserID(r)
	if err != nil {
		renderError(w, err)
		return
	}
	if caller := UserFrom(r.Context()); caller != nil && caller.ID == id {
		renderError(w, apperr.E(apperr.Validation, "Cannot deactivate your own account"))
		return
	}

	if err := s.users.Deactivate(r.Context(), id); err != nil {
		renderError(w, err)
		return
	}
	s.logger.Info().Int64("user_id", id).Msg("User deactivated")
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
