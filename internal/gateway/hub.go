// Package gateway fans bus events out to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/snapshot"
)

// SnapshotSource serves the latest assembled snapshot per tenant. The
// publisher satisfies this in-process; a KV-backed source serves split
// deployments.
type SnapshotSource interface {
	Last(networkID int64) *snapshot.TopologySnapshot
	LastAny() *snapshot.TopologySnapshot
}

// frame is the outbound envelope every client receives.
type frame struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func marshalFrame(typ string, payload json.RawMessage) []byte {
	data, err := json.Marshal(frame{Type: typ, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		return nil
	}
	return data
}

// Hub owns the session set and the bus subscription. One hub per process.
type Hub struct {
	kv        *kv.Client
	snapshots SnapshotSource
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}

	currentConns int64

	wg sync.WaitGroup
}

func NewHub(kvc *kv.Client, snapshots SnapshotSource, logger zerolog.Logger) *Hub {
	return &Hub{
		kv:        kvc,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "hub").Logger(),
		sessions:  map[*session]struct{}{},
	}
}

// ConnectionCount returns the number of live sessions.
func (h *Hub) ConnectionCount() int64 {
	return atomic.LoadInt64(&h.currentConns)
}

// Run consumes the bus channels and fans events out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	msgs, stop := h.kv.Subscribe(ctx,
		snapshot.ChannelTopology, snapshot.ChannelHealth, snapshot.ChannelSpeedtest)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case msg, ok := <-msgs:
				if !ok {
					h.closeAll()
					return
				}
				h.dispatch(msg)
			}
		}
	}()
}

// Wait blocks until the fan-out loop has exited.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// dispatch translates one bus message into a client frame and broadcasts it.
func (h *Hub) dispatch(msg kv.Message) {
	metrics.BusEventReceived(msg.Channel)

	var event snapshot.MetricsEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		h.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Malformed bus event")
		return
	}

	data := marshalFrame(string(event.EventType), event.Payload)
	if data == nil {
		return
	}

	// Topology events are tenant-scoped; health and speed test events go
	// to everyone.
	var networkID int64 = -1
	if event.EventType == snapshot.EventFullSnapshot {
		var scoped struct {
			NetworkID int64 `json:"network_id"`
		}
		if err := json.Unmarshal(event.Payload, &scoped); err == nil {
			networkID = scoped.NetworkID
		}
	}

	h.broadcast(networkID, data)
}

// broadcast sends a frame to every matching session, pruning those whose
// buffers are full.
func (h *Hub) broadcast(networkID int64, data []byte) {
	var stale []*session

	h.mu.RLock()
	for s := range h.sessions {
		if networkID >= 0 {
			want := s.network()
			if want != 0 && want != networkID {
				continue
			}
		}
		if !s.enqueue(data) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.logger.Warn().
			Int64("session_id", s.id).
			Str("reason", "send_buffer_full").
			Msg("Pruning slow session")
		h.unregister(s)
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	atomic.AddInt64(&h.currentConns, 1)
	metrics.ConnectionOpened()

	h.logger.Info().
		Int64("session_id", s.id).
		Str("remote_ip", s.remoteIP).
		Int64("user_id", s.userID).
		Msg("Session registered")
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	_, present := h.sessions[s]
	if present {
		delete(h.sessions, s)
	}
	h.mu.Unlock()

	if !present {
		return
	}
	atomic.AddInt64(&h.currentConns, -1)
	metrics.ConnectionClosed()
	close(s.send)

	h.logger.Info().
		Int64("session_id", s.id).
		Dur("session_duration", time.Since(s.joinedAt)).
		Msg("Session deregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.unregister(s)
	}
}

// replaySnapshot sends the latest snapshot for the session's tenant, so a
// fresh client renders immediately instead of waiting for the next cycle.
func (h *Hub) replaySnapshot(s *session) {
	snap := h.lastFor(s.network())
	if snap == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.enqueue(marshalFrame(string(snapshot.EventFullSnapshot), payload))
}

// lastFor resolves the latest snapshot for a tenant, falling back to the
// KV copy when the in-process source has none.
func (h *Hub) lastFor(networkID int64) *snapshot.TopologySnapshot {
	if h.snapshots != nil {
		if networkID == 0 {
			if snap := h.snapshots.LastAny(); snap != nil {
				return snap
			}
		} else if snap := h.snapshots.Last(networkID); snap != nil {
			return snap
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := snapshot.LastSnapshotKey
	if networkID != 0 {
		key = fmt.Sprintf("%s:%d", snapshot.LastSnapshotKey, networkID)
	}
	raw, err := h.kv.Get(ctx, key)
	if err != nil {
		return nil
	}
	var snap snapshot.TopologySnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

// clientAction is the inbound message shape. Unknown actions are ignored.
type clientAction struct {
	Action    string `json:"action"`
	NetworkID int64  `json:"network_id"`
}

func (h *Hub) handleAction(s *session, data []byte) {
	var action clientAction
	if err := json.Unmarshal(data, &action); err != nil {
		h.logger.Debug().Int64("session_id", s.id).Msg("Ignoring malformed client message")
		return
	}

	switch action.Action {
	case "request_snapshot":
		if action.NetworkID != 0 {
			s.setNetwork(action.NetworkID)
		}
		h.replaySnapshot(s)
	case "subscribe_network":
		s.setNetwork(action.NetworkID)
		h.logger.Debug().
			Int64("session_id", s.id).
			Int64("network_id", action.NetworkID).
			Msg("Session switched tenant")
		h.replaySnapshot(s)
	default:
		h.logger.Debug().
			Int64("session_id", s.id).
			Str("action", action.Action).
			Msg("Ignoring unknown action")
	}
}
