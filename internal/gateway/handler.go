package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/metrics"
)

// Handler upgrades HTTP requests into hub sessions.
type Handler struct {
	hub        *Hub
	guard      *Guard
	tokens     *identity.TokenService
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	sessionSeq int64
}

func NewHandler(hub *Hub, guard *Guard, tokens *identity.TokenService, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowed := map[string]bool{}
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}

	return &Handler{
		hub:    hub,
		guard:  guard,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return wildcard || origin == "" || allowed[origin]
			},
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

// ServeHTTP authenticates, admits, upgrades, and runs the session pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	outcome := h.tokens.Verify(token, identity.KindSession)
	if !outcome.Valid() {
		h.logger.Debug().
			Str("status", outcome.Status.String()).
			Msg("WebSocket auth rejected")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ip := remoteIP(r)
	if ok, reason := h.guard.Admit(ip, h.hub.ConnectionCount()); !ok {
		metrics.ConnectionRejected(reason)
		h.logger.Warn().
			Str("remote_ip", ip).
			Str("reason", reason).
			Msg("Connection rejected")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Upgrade failed")
		return
	}

	s := &session{
		id:       atomic.AddInt64(&h.sessionSeq, 1),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		userID:   outcome.Claims.UserID(),
		remoteIP: ip,
		joinedAt: time.Now(),
	}
	h.hub.register(s)

	go h.writePump(s)
	go h.readPump(s)

	// New clients get the current state immediately.
	h.hub.replaySnapshot(s)
}

func (h *Handler) readPump(s *session) {
	defer h.hub.unregister(s)

	s.conn.SetReadLimit(readLimit)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h.hub.handleAction(s, data)
	}
}

func (h *Handler) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().
					Int64("session_id", s.id).
					Err(err).
					Msg("Write failed")
				return
			}
			ticker.Reset(pingInterval)

		case <-ticker.C:
			// Application-level keepalive, visible to browser clients.
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, marshalFrame("ping", nil)); err != nil {
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
