package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/notify"
)

func (s *Server) handleGetNetworkPreferences(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessView)
	if !ok {
		return
	}
	renderJSON(w, http.StatusOK, s.prefs.ForNetwork(nw.ID))
}

func (s *Server) handleSetNetworkPreferences(w http.ResponseWriter, r *http.Request) {
	nw, _, ok := s.loadNetwork(w, r, accessEdit)
	if !ok {
		return
	}

	var prefs notify.NetworkPreferences
	if err := decodeBody(r, &prefs); err != nil {
		renderError(w, err)
		return
	}
	// The route parameter wins over whatever the body claims.
	prefs.NetworkID = nw.ID
	if !prefs.MinimumPriority.Valid() {
		prefs.MinimumPriority = notify.PriorityLow
	}
	if prefs.MaxNotificationsPerHour <= 0 {
		prefs.MaxNotificationsPerHour = notify.DefaultNetworkPreferences(nw.ID).MaxNotificationsPerHour
	}
	if prefs.Timezone != "" {
		if _, err := time.LoadLocation(prefs.Timezone); err != nil {
			renderError(w, apperr.E(apperr.Validation, "Unknown timezone"))
			return
		}
	}

	s.prefs.SetNetwork(&prefs)
	renderJSON(w, http.StatusOK, s.prefs.ForNetwork(nw.ID))
}

func (s *Server) handleGetGlobalPreferences(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	renderJSON(w, http.StatusOK, s.prefs.ForUser(user.ID))
}

func (s *Server) handleSetGlobalPreferences(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	var prefs notify.GlobalPreferences
	if err := decodeBody(r, &prefs); err != nil {
		renderError(w, err)
		return
	}
	prefs.UserID = user.ID
	if !prefs.MinimumPriority.Valid() {
		prefs.MinimumPriority = notify.PriorityLow
	}

	s.prefs.SetUser(&prefs)
	renderJSON(w, http.StatusOK, s.prefs.ForUser(user.ID))
}

// handleNotificationHistory returns recent delivery records, optionally
// scoped to one network.
func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			renderError(w, apperr.E(apperr.Validation, "Invalid limit"))
			return
		}
		limit = n
	}

	if raw := r.URL.Query().Get("network_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			renderError(w, apperr.E(apperr.Validation, "Invalid network_id"))
			return
		}
		renderJSON(w, http.StatusOK, s.history.ForNetwork(id, limit))
		return
	}
	renderJSON(w, http.StatusOK, s.history.Recent(limit))
}

func (s *Server) handleSilencedDevices(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string][]string{"silenced": s.prefs.SilencedDevices()})
}

func (s *Server) handleSilenceDevice(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		renderError(w, apperr.E(apperr.Validation, "Device IP is required"))
		return
	}
	s.prefs.SilenceDevice(ip)
	renderJSON(w, http.StatusOK, map[string]bool{"silenced": true})
}

func (s *Server) handleUnsilenceDevice(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		renderError(w, apperr.E(apperr.Validation, "Device IP is required"))
		return
	}
	s.prefs.UnsilenceDevice(ip)
	renderJSON(w, http.StatusOK, map[string]bool{"silenced": false})
}

func (s *Server) handleAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	if s.baseline == nil {
		renderError(w, apperr.E(apperr.NotFound, "Anomaly baselines are not enabled"))
		return
	}
	renderJSON(w, http.StatusOK, s.baseline.Status())
}

func (s *Server) handleDeviceBaseline(w http.ResponseWriter, r *http.Request) {
	if s.baseline == nil {
		renderError(w, apperr.E(apperr.NotFound, "Anomaly baselines are not enabled"))
		return
	}
	stats := s.baseline.DeviceBaseline(chi.URLParam(r, "ip"))
	if stats == nil {
		renderError(w, apperr.E(apperr.NotFound, "No baseline for this device"))
		return
	}
	renderJSON(w, http.StatusOK, stats)
}
