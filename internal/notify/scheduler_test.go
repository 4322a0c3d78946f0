package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/store"
)

type stubMembers struct {
	ids []int64
	err error
}

func (s *stubMembers) MemberIDs(ctx context.Context, networkID int64) ([]int64, error) {
	return s.ids, s.err
}

type stubUsers struct {
	emails map[int64]string
}

func (s *stubUsers) ByID(ctx context.Context, id int64) (*store.User, error) {
	email, ok := s.emails[id]
	if !ok {
		return nil, errors.New("no such user")
	}
	return &store.User{ID: id, Email: email}, nil
}

func newScheduler(t *testing.T, members MemberSource, sender Sender) (*Scheduler, *History) {
	t.Helper()
	dir := t.TempDir()
	history := NewHistory(dir, zerolog.Nop())
	dispatcher := NewDispatcher(NewDecider(zerolog.Nop()), history, map[Channel]Sender{ChannelEmail: sender}, zerolog.Nop())
	prefs := NewPreferencesStore(dir, zerolog.Nop())
	users := &stubUsers{emails: map[int64]string{1: "owner@example.com", 2: "member@example.com"}}
	return NewScheduler(dir, dispatcher, prefs, members, users, zerolog.Nop()), history
}

func TestBroadcastLifecycle(t *testing.T) {
	email := &stubSender{}
	s, history := newScheduler(t, &stubMembers{ids: []int64{1, 2}}, email)

	b, err := s.Create(4, 1, "Maintenance", "Router reboot at midnight", "", PriorityHigh, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, BroadcastPending, b.Status)
	assert.Equal(t, "scheduled_broadcast", b.EventType)

	s.FireDue(context.Background())

	got := s.Get(b.ID)
	require.NotNil(t, got)
	assert.Equal(t, BroadcastSent, got.Status)
	require.NotNil(t, got.SentAt)

	// One record per member.
	records := history.Recent(0)
	require.Len(t, records, 2)
	assert.ElementsMatch(t, []string{"owner@example.com", "member@example.com"}, email.recipients)

	// Sent broadcasts are immutable.
	title := "changed"
	assert.Nil(t, s.Update(b.ID, &title, nil, nil, nil, nil))
	assert.False(t, s.Cancel(b.ID))
	assert.True(t, s.Delete(b.ID))
	assert.Nil(t, s.Get(b.ID))
}

func TestBroadcastNotDueStaysPending(t *testing.T) {
	s, _ := newScheduler(t, &stubMembers{ids: []int64{1}}, &stubSender{})

	b, err := s.Create(4, 1, "Later", "msg", "", PriorityLow, time.Now().Add(time.Hour))
	require.NoError(t, err)

	s.FireDue(context.Background())
	assert.Equal(t, BroadcastPending, s.Get(b.ID).Status)
}

func TestBroadcastMemberEnumerationFailure(t *testing.T) {
	s, _ := newScheduler(t, &stubMembers{err: errors.New("db unavailable")}, &stubSender{})

	b, err := s.Create(4, 1, "Title", "msg", "", PriorityLow, time.Now().Add(-time.Second))
	require.NoError(t, err)

	s.FireDue(context.Background())
	got := s.Get(b.ID)
	assert.Equal(t, BroadcastFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "member enumeration failed")
}

func TestPendingBroadcastIsUpdatable(t *testing.T) {
	s, _ := newScheduler(t, &stubMembers{ids: []int64{1}}, &stubSender{})

	b, err := s.Create(4, 1, "Old", "old body", "", PriorityLow, time.Now().Add(time.Hour))
	require.NoError(t, err)

	title := "New"
	priority := PriorityCritical
	updated := s.Update(b.ID, &title, nil, nil, &priority, nil)
	require.NotNil(t, updated)
	assert.Equal(t, "New", updated.Title)
	assert.Equal(t, PriorityCritical, updated.Priority)
	assert.Equal(t, "old body", updated.Message)
}

func TestCancelOnlyFromPendingDeleteOnlyNonPending(t *testing.T) {
	s, _ := newScheduler(t, &stubMembers{ids: []int64{1}}, &stubSender{})

	b, err := s.Create(4, 1, "T", "m", "", PriorityLow, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Pending cannot be deleted, only cancelled.
	assert.False(t, s.Delete(b.ID))
	assert.True(t, s.Cancel(b.ID))
	assert.False(t, s.Cancel(b.ID))
	assert.True(t, s.Delete(b.ID))
}

func TestSeenBroadcastFilteredAfterDismissalDelay(t *testing.T) {
	s, _ := newScheduler(t, &stubMembers{ids: []int64{1}}, &stubSender{})

	base := time.Now()
	s.now = func() time.Time { return base }

	b, err := s.Create(4, 1, "T", "m", "", PriorityLow, base.Add(-time.Second))
	require.NoError(t, err)
	s.FireDue(context.Background())

	require.True(t, s.MarkSeen(b.ID))
	assert.Len(t, s.List(4, true), 1)

	// Past the dismissal delay the broadcast disappears from listings.
	s.now = func() time.Time { return base.Add(dismissalDelay + time.Second) }
	assert.Empty(t, s.List(4, true))

	// But not from pending-only listings of other broadcasts.
	assert.Empty(t, s.List(4, false))
}

func TestSchedulerStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	history := NewHistory(dir, zerolog.Nop())
	dispatcher := NewDispatcher(NewDecider(zerolog.Nop()), history, map[Channel]Sender{ChannelEmail: &stubSender{}}, zerolog.Nop())
	prefs := NewPreferencesStore(dir, zerolog.Nop())
	users := &stubUsers{emails: map[int64]string{1: "owner@example.com"}}
	members := &stubMembers{ids: []int64{1}}

	s := NewScheduler(dir, dispatcher, prefs, members, users, zerolog.Nop())
	b, err := s.Create(4, 1, "T", "m", "", PriorityLow, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "scheduled.json"))

	restarted := NewScheduler(dir, dispatcher, prefs, members, users, zerolog.Nop())
	got := restarted.Get(b.ID)
	require.NotNil(t, got)
	assert.Equal(t, BroadcastPending, got.Status)
}
