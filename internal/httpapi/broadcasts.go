package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/notify"
	"github.com/netsight-io/netsight/internal/store"
)

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessView)
	if !ok {
		return
	}
	includeCompleted := r.URL.Query().Get("include_completed") == "true"
	renderJSON(w, http.StatusOK, s.scheduler.List(nw.ID, includeCompleted))
}

type createBroadcastRequest struct {
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	EventType   string          `json:"event_type"`
	Priority    notify.Priority `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	nw, user, ok := s.loadNetwork(w, r, accessOwn)
	if !ok {
		return
	}

	var req createBroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.ScheduledAt.IsZero() {
		renderError(w, apperr.E(apperr.Validation, "scheduled_at is required"))
		return
	}

	b, err := s.scheduler.Create(nw.ID, user.ID, req.Title, req.Message, req.EventType, req.Priority, req.ScheduledAt)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusCreated, b)
}

// loadBroadcast resolves the route's broadcast and verifies the caller
// has owner-level access to its network.
func (s *Server) loadBroadcast(w http.ResponseWriter, r *http.Request) (*notify.ScheduledBroadcast, bool) {
	user := UserFrom(r.Context())
	if user == nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Not authenticated"))
		return nil, false
	}

	b := s.scheduler.Get(chi.URLParam(r, "broadcastID"))
	if b == nil {
		renderError(w, apperr.E(apperr.NotFound, "Broadcast not found"))
		return nil, false
	}

	if user.Role != store.RoleOwner && user.Role != store.RoleAdmin {
		nw, err := s.networks.ByID(r.Context(), b.NetworkID)
		if err != nil || nw.OwnerUserID != user.ID {
			renderError(w, apperr.E(apperr.Forbidden, "Insufficient network access"))
			return nil, false
		}
	}
	return b, true
}

type updateBroadcastRequest struct {
	Title       *string          `json:"title"`
	Message     *string          `json:"message"`
	EventType   *string          `json:"event_type"`
	Priority    *notify.Priority `json:"priority"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
}

func (s *Server) handleUpdateBroadcast(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}

	var req updateBroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	updated := s.scheduler.Update(b.ID, req.Title, req.Message, req.EventType, req.Priority, req.ScheduledAt)
	if updated == nil {
		renderError(w, apperr.E(apperr.Conflict, "Only pending broadcasts can be updated"))
		return
	}
	renderJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelBroadcast(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if !s.scheduler.Cancel(b.ID) {
		renderError(w, apperr.E(apperr.Conflict, "Only pending broadcasts can be cancelled"))
		return
	}
	renderJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleDeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if !s.scheduler.Delete(b.ID) {
		renderError(w, apperr.E(apperr.Conflict, "Pending broadcasts must be cancelled before deletion"))
		return
	}
	renderJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleMarkBroadcastSeen(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if !s.scheduler.MarkSeen(b.ID) {
		renderError(w, apperr.E(apperr.Conflict, "Only sent broadcasts can be marked seen"))
		return
	}
	renderJSON(w, http.StatusOK, map[string]bool{"seen": true})
}
