package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/logging"
	"github.com/netsight-io/netsight/internal/store"
)

const (
	scheduledFile = "scheduled.json"

	// schedulerTick bounds how late a due broadcast can fire.
	schedulerTick = 30 * time.Second

	// dismissalDelay is how long a seen broadcast stays visible so every
	// open client can render the acknowledgment.
	dismissalDelay = 5 * time.Second
)

// MemberSource enumerates a network's members (owner plus permission
// holders).
type MemberSource interface {
	MemberIDs(ctx context.Context, networkID int64) ([]int64, error)
}

// UserSource resolves users to their delivery addresses.
type UserSource interface {
	ByID(ctx context.Context, id int64) (*store.User, error)
}

// Scheduler owns the scheduled broadcast state machine and the delivery
// loop that fires due broadcasts.
type Scheduler struct {
	dir        string
	dispatcher *Dispatcher
	prefs      *PreferencesStore
	members    MemberSource
	users      UserSource
	logger     zerolog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	broadcasts map[string]*ScheduledBroadcast

	wg sync.WaitGroup
}

func NewScheduler(dir string, dispatcher *Dispatcher, prefs *PreferencesStore, members MemberSource, users UserSource, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		dir:        dir,
		dispatcher: dispatcher,
		prefs:      prefs,
		members:    members,
		users:      users,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		broadcasts: map[string]*ScheduledBroadcast{},
	}
	s.load()
	return s
}

func (s *Scheduler) load() {
	data, err := os.ReadFile(filepath.Join(s.dir, scheduledFile))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("Failed to read broadcasts file")
		}
		return
	}
	var all []*ScheduledBroadcast
	if err := json.Unmarshal(data, &all); err != nil {
		s.logger.Warn().Err(err).Msg("Broadcasts file malformed, starting fresh")
		return
	}
	for _, b := range all {
		s.broadcasts[b.ID] = b
	}
}

func (s *Scheduler) flushLocked() {
	all := make([]*ScheduledBroadcast, 0, len(s.broadcasts))
	for _, b := range s.broadcasts {
		all = append(all, b)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode broadcasts")
		return
	}
	path := filepath.Join(s.dir, scheduledFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write broadcasts")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error().Err(err).Msg("Failed to replace broadcasts file")
	}
}

// Create schedules a new broadcast in the pending state.
func (s *Scheduler) Create(networkID, createdBy int64, title, message, eventType string, priority Priority, scheduledAt time.Time) (*ScheduledBroadcast, error) {
	if title == "" || message == "" {
		return nil, apperr.E(apperr.Validation, "Title and message are required")
	}
	if !priority.Valid() {
		priority = PriorityMedium
	}
	if eventType == "" {
		eventType = "scheduled_broadcast"
	}

	b := &ScheduledBroadcast{
		ID:          uuid.NewString(),
		NetworkID:   networkID,
		Title:       title,
		Message:     message,
		EventType:   eventType,
		Priority:    priority,
		ScheduledAt: scheduledAt.UTC(),
		Status:      BroadcastPending,
		CreatedBy:   createdBy,
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.broadcasts[b.ID] = b
	s.flushLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("broadcast_id", b.ID).
		Int64("network_id", networkID).
		Time("scheduled_at", b.ScheduledAt).
		Msg("Broadcast scheduled")
	return b, nil
}

// Update modifies a pending broadcast. Non-pending broadcasts are
// immutable; Update returns nil for those.
func (s *Scheduler) Update(id string, title, message, eventType *string, priority *Priority, scheduledAt *time.Time) *ScheduledBroadcast {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok || b.Status != BroadcastPending {
		return nil
	}

	if title != nil {
		b.Title = *title
	}
	if message != nil {
		b.Message = *message
	}
	if eventType != nil {
		b.EventType = *eventType
	}
	if priority != nil && priority.Valid() {
		b.Priority = *priority
	}
	if scheduledAt != nil {
		b.ScheduledAt = scheduledAt.UTC()
	}
	s.flushLocked()

	copied := *b
	return &copied
}

// Cancel transitions a pending broadcast to cancelled. Any other state
// returns false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok || b.Status != BroadcastPending {
		return false
	}
	b.Status = BroadcastCancelled
	s.flushLocked()
	return true
}

// Delete removes a non-pending broadcast. Pending broadcasts must be
// cancelled first.
func (s *Scheduler) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok || b.Status == BroadcastPending {
		return false
	}
	delete(s.broadcasts, id)
	s.flushLocked()
	return true
}

// MarkSeen stamps seen_at on a sent broadcast.
func (s *Scheduler) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok || b.Status != BroadcastSent {
		return false
	}
	now := s.now().UTC()
	b.SeenAt = &now
	s.flushLocked()
	return true
}

// List returns a network's broadcasts, newest schedule first. Without
// includeCompleted only pending broadcasts appear. Broadcasts seen longer
// ago than the dismissal delay are filtered out.
func (s *Scheduler) List(networkID int64, includeCompleted bool) []*ScheduledBroadcast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-dismissalDelay)
	var out []*ScheduledBroadcast
	for _, b := range s.broadcasts {
		if b.NetworkID != networkID {
			continue
		}
		if !includeCompleted && b.Status != BroadcastPending {
			continue
		}
		if b.SeenAt != nil && b.SeenAt.Before(cutoff) {
			continue
		}
		copied := *b
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})
	return out
}

// Get returns one broadcast by id.
func (s *Scheduler) Get(id string) *ScheduledBroadcast {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

// Run fires due broadcasts every tick until ctx is cancelled. An in-flight
// delivery completes before the loop exits.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "scheduler")
		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("Scheduler stopping")
				return
			case <-ticker.C:
				s.FireDue(ctx)
			}
		}
	}()
}

// Wait blocks until the scheduler loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// FireDue delivers every pending broadcast whose schedule has passed.
func (s *Scheduler) FireDue(ctx context.Context) {
	now := s.now().UTC()

	s.mu.RLock()
	var due []*ScheduledBroadcast
	for _, b := range s.broadcasts {
		if b.Status == BroadcastPending && !b.ScheduledAt.After(now) {
			due = append(due, b)
		}
	}
	s.mu.RUnlock()

	for _, b := range due {
		s.fire(ctx, b.ID)
	}
}

// fire delivers one broadcast to every network member and moves it to
// sent, or to failed when members cannot be enumerated.
func (s *Scheduler) fire(ctx context.Context, id string) {
	s.mu.Lock()
	b, ok := s.broadcasts[id]
	if !ok || b.Status != BroadcastPending {
		s.mu.Unlock()
		return
	}
	// Copy the payload out so delivery runs without the lock held.
	payload := *b
	s.mu.Unlock()

	memberIDs, err := s.members.MemberIDs(ctx, payload.NetworkID)
	if err != nil {
		s.transition(id, BroadcastFailed, fmt.Sprintf("member enumeration failed: %v", err))
		s.logger.Error().
			Err(err).
			Str("broadcast_id", id).
			Msg("Broadcast failed")
		return
	}

	event := &NetworkEvent{
		EventType: payload.EventType,
		Title:     payload.Title,
		Message:   payload.Message,
		Priority:  payload.Priority,
		NetworkID: &payload.NetworkID,
		Timestamp: s.now().UTC(),
	}

	base := s.prefs.ForNetwork(payload.NetworkID)
	delivered := 0
	for _, memberID := range memberIDs {
		user, err := s.users.ByID(ctx, memberID)
		if err != nil || user.Email == "" {
			continue
		}
		// Schedule semantics override per-network filters, so each member
		// gets a forced dispatch addressed to them alone.
		memberPrefs := *base
		memberPrefs.EmailEnabled = true
		memberPrefs.EmailRecipients = []string{user.Email}
		memberPrefs.DiscordEnabled = false

		records := s.dispatcher.Dispatch(ctx, &memberPrefs, nil, event, true)
		delivered += len(records)
	}

	s.transition(id, BroadcastSent, "")
	s.logger.Info().
		Str("broadcast_id", id).
		Int("members", len(memberIDs)).
		Int("deliveries", delivered).
		Msg("Broadcast sent")
}

func (s *Scheduler) transition(id string, status BroadcastStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok {
		return
	}
	b.Status = status
	b.ErrorMessage = errMsg
	if status == BroadcastSent {
		now := s.now().UTC()
		b.SentAt = &now
	}
	s.flushLocked()
}
