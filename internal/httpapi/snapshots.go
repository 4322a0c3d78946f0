package httpapi

import (
	"net/http"
	"strconv"

	"github.com/netsight-io/netsight/internal/apperr"
)

// handleGetSnapshot returns the last published snapshot. Without a
// network_id query the most recent snapshot across tenants is served.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		renderError(w, apperr.E(apperr.NotFound, "Snapshot publishing is not enabled"))
		return
	}

	raw := r.URL.Query().Get("network_id")
	if raw == "" {
		snap := s.publisher.LastAny()
		if snap == nil {
			renderError(w, apperr.E(apperr.NotFound, "No snapshot available yet"))
			return
		}
		renderJSON(w, http.StatusOK, snap)
		return
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		renderError(w, apperr.E(apperr.Validation, "Invalid network_id"))
		return
	}
	snap := s.publisher.Last(id)
	if snap == nil {
		renderError(w, apperr.E(apperr.NotFound, "No snapshot available for this network"))
		return
	}
	renderJSON(w, http.StatusOK, snap)
}

// handleGenerateSnapshot forces an immediate publish cycle and returns
// the freshly built snapshot.
func (s *Server) handleGenerateSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		renderError(w, apperr.E(apperr.NotFound, "Snapshot publishing is not enabled"))
		return
	}

	if err := s.publisher.PublishAll(r.Context()); err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Snapshot generation failed", err))
		return
	}

	if raw := r.URL.Query().Get("network_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			renderError(w, apperr.E(apperr.Validation, "Invalid network_id"))
			return
		}
		if snap := s.publisher.Last(id); snap != nil {
			renderJSON(w, http.StatusOK, snap)
			return
		}
		renderError(w, apperr.E(apperr.NotFound, "No snapshot available for this network"))
		return
	}

	snap := s.publisher.LastAny()
	if snap == nil {
		renderError(w, apperr.E(apperr.NotFound, "No snapshot available yet"))
		return
	}
	renderJSON(w, http.StatusOK, snap)
}
