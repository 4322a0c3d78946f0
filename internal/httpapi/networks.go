package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/store"
)

// networkID parses the {networkID} route parameter.
func networkID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "networkID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.E(apperr.Validation, "Invalid network id")
	}
	return id, nil
}

// accessLevel is the caller's effective capability on one network.
type accessLevel int

const (
	accessNone accessLevel = iota
	accessView
	accessEdit
	accessOwn
)

// networkAccess resolves what user may do with the network. Platform
// owners and admins get owner-level access everywhere.
func (s *Server) networkAccess(r *http.Request, user *store.User, nw *store.Network) accessLevel {
	if user.Role == store.RoleOwner || user.Role == store.RoleAdmin {
		return accessOwn
	}
	if nw.OwnerUserID == user.ID {
		return accessOwn
	}
	role, err := s.permissions.RoleFor(r.Context(), nw.ID, user.ID)
	if err != nil {
		return accessNone
	}
	if role == store.NetworkRoleEditor {
		return accessEdit
	}
	return accessView
}

// loadNetwork fetches the network and checks the caller clears the
// minimum access level.
func (s *Server) loadNetwork(w http.ResponseWriter, r *http.Request, min accessLevel) (*store.Network, *store.User, bool) {
	user := UserFrom(r.Context())
	if user == nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Not authenticated"))
		return nil, nil, false
	}
	id, err := networkID(r)
	if err != nil {
		renderError(w, err)
		return nil, nil, false
	}
	nw, err := s.networks.ByID(r.Context(), id)
	if err != nil {
		renderError(w, err)
		return nil, nil, false
	}
	if s.networkAccess(r, user, nw) < min {
		renderError(w, apperr.E(apperr.Forbidden, "Insufficient network access"))
		return nil, nil, false
	}
	return nw, user, true
}

type networkResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	OwnerUserID int64           `json:"owner_user_id"`
	Layout      json.RawMessage `json:"layout,omitempty"`
	AgentKey    string          `json:"agent_key,omitempty"`
}

// toNetworkResponse shapes a network for the caller. The agent key is
// only disclosed to owner-level callers.
func toNetworkResponse(nw *store.Network, level accessLevel, withLayout bool) networkResponse {
	resp := networkResponse{
		ID:          nw.ID,
		Name:        nw.Name,
		Description: nw.Description,
		OwnerUserID: nw.OwnerUserID,
	}
	if withLayout {
		resp.Layout = json.RawMessage(nw.LayoutData)
	}
	if level >= accessOwn {
		resp.AgentKey = nw.AgentKey
	}
	return resp
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	nets, err := s.networks.VisibleTo(r.Context(), user.ID)
	if err != nil {
		renderError(w, err)
		return
	}

	out := make([]networkResponse, 0, len(nets))
	for i := range nets {
		out = append(out, toNetworkResponse(&nets[i], s.networkAccess(r, user, &nets[i]), false))
	}
	renderJSON(w, http.StatusOK, out)
}

type createNetworkRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	var req createNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Name == "" {
		renderError(w, apperr.E(apperr.Validation, "Name is required"))
		return
	}

	nw, err := s.networks.Create(r.Context(), user.ID, req.Name, req.Description)
	if err != nil {
		renderError(w, err)
		return
	}
	s.logger.Info().Int64("network_id", nw.ID).Int64("owner_id", user.ID).Msg("Network created")
	renderJSON(w, http.StatusCreated, toNetworkResponse(nw, accessOwn, true))
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	nw, user, ok := s.loadNetwork(w, r, accessView)
	if !ok {
		return
	}
	renderJSON(w, http.StatusOK, toNetworkResponse(nw, s.networkAccess(r, user, nw), true))
}

type updateNetworkRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Layout      json.RawMessage `json:"layout"`
}

func (s *Server) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessEdit)
	if !ok {
		return
	}

	var req updateNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Name == "" {
		req.Name = nw.Name
	}
	layout := nw.LayoutData
	if len(req.Layout) > 0 {
		if !json.Valid(req.Layout) {
			renderError(w, apperr.E(apperr.Validation, "Layout is not valid JSON"))
			return
		}
		layout = req.Layout
	}

	if err := s.networks.Update(r.Context(), nw.ID, req.Name, req.Description, layout); err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessOwn)
	if !ok {
		return
	}
	if err := s.networks.Delete(r.Context(), nw.ID); err != nil {
		renderError(w, err)
		return
	}
	s.logger.Info().Int64("network_id", nw.ID).Msg("Network deleted")
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessOwn)
	if !ok {
		return
	}
	perms, err := s.permissions.ForNetwork(r.Context(), nw.ID)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, perms)
}

type grantRequest struct {
	UserID int64             `json:"user_id"`
	Role   store.NetworkRole `json:"role"`
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	nw, user, ok := s.loadNetwork(w, r, accessOwn)
	if !ok {
		return
	}

	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if err := s.permissions.Grant(r.Context(), nw.ID, user.ID, req.UserID, req.Role); err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessOwn)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		renderError(w, apperr.E(apperr.Validation, "Invalid user id"))
		return
	}
	if err := s.permissions.Revoke(r.Context(), nw.ID, userID); err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
