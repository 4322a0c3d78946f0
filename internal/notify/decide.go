package notify

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateWindow is the span of the per-network sliding send window.
const rateWindow = time.Hour

// Decider evaluates whether an event should notify under a network's
// policy. It owns the per-network sliding rate windows.
type Decider struct {
	logger zerolog.Logger
	now    func() time.Time

	windowMu sync.Mutex
	windows  map[int64][]time.Time
}

func NewDecider(logger zerolog.Logger) *Decider {
	return &Decider{
		logger:  logger.With().Str("component", "decider").Logger(),
		now:     time.Now,
		windows: map[int64][]time.Time{},
	}
}

// EffectivePriority resolves an event's priority: the per-type override
// wins, then the event's own priority, then medium.
func EffectivePriority(prefs *NetworkPreferences, event *NetworkEvent) Priority {
	if p, ok := prefs.NotificationTypePriority[event.EventType]; ok && p.Valid() {
		return p
	}
	if event.Priority.Valid() {
		return event.Priority
	}
	return PriorityMedium
}

// ShouldNotify applies the policy chain in order and returns the first
// denial reason, or (true, "allowed"). force bypasses every filter except
// channel configuration.
func (d *Decider) ShouldNotify(prefs *NetworkPreferences, silenced func(string) bool, event *NetworkEvent, force bool) (bool, string) {
	if force {
		if !prefs.AnyChannelConfigured() {
			return false, "no channels configured"
		}
		return true, "forced"
	}

	if !prefs.Enabled {
		return false, "notifications disabled"
	}
	if !prefs.AnyChannelConfigured() {
		return false, "no channels configured"
	}
	if !prefs.TypeEnabled(event.EventType) {
		return false, "notification type disabled"
	}
	if silenced != nil && silenced(event.DeviceIP) {
		return false, "device silenced"
	}

	priority := EffectivePriority(prefs, event)
	if priority.Rank() < prefs.MinimumPriority.Rank() {
		return false, "below minimum priority"
	}

	if d.inQuietHours(prefs, priority) {
		return false, "quiet hours"
	}

	if !d.underRateLimit(prefs) {
		return false, "rate limit exceeded"
	}

	return true, "allowed"
}

// inQuietHours reports whether now falls in the quiet window, in the
// preferences' timezone, unless the priority clears the bypass threshold.
func (d *Decider) inQuietHours(prefs *NetworkPreferences, priority Priority) bool {
	qh := prefs.QuietHours
	if !qh.Enabled {
		return false
	}
	if qh.BypassPriority != nil && priority.Rank() >= qh.BypassPriority.Rank() {
		return false
	}

	loc := time.Local
	if prefs.Timezone != "" {
		if parsed, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = parsed
		} else {
			d.logger.Warn().
				Str("timezone", prefs.Timezone).
				Int64("network_id", prefs.NetworkID).
				Msg("Invalid timezone, using server local")
		}
	}

	now := d.now().In(loc)
	current := now.Hour()*60 + now.Minute()
	start, okStart := parseClock(qh.Start)
	end, okEnd := parseClock(qh.End)
	if !okStart || !okEnd {
		return false
	}

	// Boundaries are inclusive; start > end wraps past midnight.
	if start <= end {
		return current >= start && current <= end
	}
	return current >= start || current <= end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// underRateLimit prunes entries older than the window and checks capacity.
// It does not record; RecordSend does that after a successful dispatch.
func (d *Decider) underRateLimit(prefs *NetworkPreferences) bool {
	if prefs.MaxNotificationsPerHour <= 0 {
		return true
	}

	d.windowMu.Lock()
	defer d.windowMu.Unlock()

	cutoff := d.now().Add(-rateWindow)
	window := d.windows[prefs.NetworkID]
	for len(window) > 0 && window[0].Before(cutoff) {
		window = window[1:]
	}
	d.windows[prefs.NetworkID] = window
	return len(window) < prefs.MaxNotificationsPerHour
}

// RecordSend appends a send timestamp to the network's window. Forced
// sends record too, so they count against later rate checks.
func (d *Decider) RecordSend(networkID int64) {
	d.windowMu.Lock()
	defer d.windowMu.Unlock()
	d.windows[networkID] = append(d.windows[networkID], d.now())
}
