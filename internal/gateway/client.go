package gateway

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to flush one frame to the peer.
	writeWait = 5 * time.Second

	// Idle window before the hub emits an application-level ping.
	pingInterval = 30 * time.Second

	readLimit      = 1 << 16
	sendBufferSize = 64
)

// session is one connected WebSocket client. networkID selects which
// tenant's snapshots the session receives; 0 means all.
type session struct {
	id        int64
	conn      *websocket.Conn
	send      chan []byte
	networkID int64 // atomic
	userID    int64
	remoteIP  string
	joinedAt  time.Time
}

func (s *session) network() int64 {
	return atomic.LoadInt64(&s.networkID)
}

func (s *session) setNetwork(id int64) {
	atomic.StoreInt64(&s.networkID, id)
}

// enqueue queues a frame without blocking. False means the buffer is full
// and the session should be pruned.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
