package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const (
	historyFile = "history.json"
	historyCap  = 1000
)

// History is a bounded append-only ring of notification records, kept in
// memory and flushed to JSON after each append.
type History struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	records []NotificationRecord
}

func NewHistory(dir string, logger zerolog.Logger) *History {
	h := &History{
		dir:    dir,
		logger: logger.With().Str("component", "history").Logger(),
	}
	h.load()
	return h
}

// load reads persisted history. Records predating multi-tenancy lack a
// network_id field; they load with a null id. Entries that do not decode
// as records at all are dropped.
func (h *History) load() {
	data, err := os.ReadFile(filepath.Join(h.dir, historyFile))
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn().Err(err).Msg("Failed to read history file")
		}
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		h.logger.Warn().Err(err).Msg("History file malformed, starting fresh")
		return
	}

	dropped := 0
	for _, entry := range raw {
		var rec NotificationRecord
		if err := json.Unmarshal(entry, &rec); err != nil || rec.EventType == "" {
			dropped++
			continue
		}
		h.records = append(h.records, rec)
	}
	if len(h.records) > historyCap {
		h.records = h.records[len(h.records)-historyCap:]
	}
	if dropped > 0 {
		h.logger.Warn().Int("dropped", dropped).Msg("Dropped malformed history records")
	}
}

// Append adds a record, evicting the oldest past capacity, and flushes.
func (h *History) Append(rec NotificationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)
	if len(h.records) > historyCap {
		h.records = h.records[len(h.records)-historyCap:]
	}
	h.flushLocked()
}

// Recent returns up to limit newest records, newest first. limit <= 0
// returns everything.
func (h *History) Recent(limit int) []NotificationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]NotificationRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = h.records[n-1-i]
	}
	return out
}

// ForNetwork returns up to limit newest records for one network.
func (h *History) ForNetwork(networkID int64, limit int) []NotificationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []NotificationRecord
	for i := len(h.records) - 1; i >= 0; i-- {
		rec := h.records[i]
		if rec.NetworkID == nil || *rec.NetworkID != networkID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (h *History) flushLocked() {
	data, err := json.MarshalIndent(h.records, "", "  ")
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode history")
		return
	}
	path := filepath.Join(h.dir, historyFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write history")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		h.logger.Error().Err(err).Msg("Failed to replace history file")
	}
}
