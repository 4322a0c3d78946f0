package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testPrefs() *NetworkPreferences {
	prefs := DefaultNetworkPreferences(1)
	prefs.EmailEnabled = true
	prefs.EmailRecipients = []string{"ops@example.com"}
	return prefs
}

func testEvent(eventType string, priority Priority) *NetworkEvent {
	return &NetworkEvent{
		EventType: eventType,
		Title:     "Device down",
		Message:   "ap-1 stopped responding",
		DeviceIP:  "10.0.0.1",
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}
}

func newDecider() *Decider {
	return NewDecider(zerolog.Nop())
}

func TestDenyWhenDisabled(t *testing.T) {
	d := newDecider()
	prefs := testPrefs()
	prefs.Enabled = false

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
	assert.False(t, ok)
	assert.Equal(t, "notifications disabled", reason)
}

func TestDenyWhenNoChannelConfigured(t *testing.T) {
	d := newDecider()
	prefs := DefaultNetworkPreferences(1)

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
	assert.False(t, ok)
	assert.Equal(t, "no channels configured", reason)
}

func TestDenyWhenTypeDisabled(t *testing.T) {
	d := newDecider()
	prefs := testPrefs()
	prefs.EnabledNotificationTypes = []string{"device_up"}

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
	assert.False(t, ok)
	assert.Equal(t, "notification type disabled", reason)
}

func TestDenyWhenDeviceSilenced(t *testing.T) {
	d := newDecider()
	silenced := func(ip string) bool { return ip == "10.0.0.1" }

	ok, reason := d.ShouldNotify(testPrefs(), silenced, testEvent("device_down", PriorityHigh), false)
	assert.False(t, ok)
	assert.Equal(t, "device silenced", reason)
}

func TestDenyBelowMinimumPriority(t *testing.T) {
	d := newDecider()
	prefs := testPrefs()
	prefs.MinimumPriority = PriorityHigh

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityLow), false)
	assert.False(t, ok)
	assert.Equal(t, "below minimum priority", reason)
}

func TestTypePriorityOverrideWins(t *testing.T) {
	prefs := testPrefs()
	prefs.NotificationTypePriority = map[string]Priority{"device_down": PriorityCritical}

	assert.Equal(t, PriorityCritical, EffectivePriority(prefs, testEvent("device_down", PriorityLow)))
	assert.Equal(t, PriorityMedium, EffectivePriority(prefs, testEvent("device_up", "")))
}

func TestQuietHoursOvernightWrapInUserTimezone(t *testing.T) {
	d := newDecider()
	// 03:00 UTC is 23:00 the previous day in New York during DST.
	d.now = func() time.Time {
		return time.Date(2025, 7, 15, 3, 0, 0, 0, time.UTC)
	}

	bypass := PriorityCritical
	prefs := testPrefs()
	prefs.Timezone = "America/New_York"
	prefs.QuietHours = QuietHours{
		Enabled:        true,
		Start:          "22:00",
		End:            "07:00",
		BypassPriority: &bypass,
	}

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityMedium), false)
	assert.False(t, ok)
	assert.Equal(t, "quiet hours", reason)

	// Critical clears the bypass threshold.
	ok, _ = d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityCritical), false)
	assert.True(t, ok)
}

func TestQuietHoursBoundariesInclusive(t *testing.T) {
	d := newDecider()
	prefs := testPrefs()
	prefs.Timezone = "UTC"
	prefs.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	for _, clock := range []struct {
		hour, minute int
		quiet        bool
	}{
		{22, 0, true},
		{7, 0, true},
		{7, 1, false},
		{21, 59, false},
		{0, 30, true},
	} {
		d.now = func() time.Time {
			return time.Date(2025, 7, 15, clock.hour, clock.minute, 0, 0, time.UTC)
		}
		ok, _ := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityMedium), false)
		assert.Equal(t, !clock.quiet, ok, "at %02d:%02d", clock.hour, clock.minute)
	}
}

func TestInvalidTimezoneFallsBackToServerLocal(t *testing.T) {
	d := newDecider()
	prefs := testPrefs()
	prefs.Timezone = "Not/AZone"
	prefs.QuietHours = QuietHours{Enabled: true, Start: "00:00", End: "23:59"}

	// The whole local day is quiet, so the fallback still denies.
	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityMedium), false)
	assert.False(t, ok)
	assert.Equal(t, "quiet hours", reason)
}

func TestSlidingWindowRateLimit(t *testing.T) {
	d := newDecider()
	base := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	prefs := testPrefs()
	prefs.MaxNotificationsPerHour = 2

	for i := 0; i < 2; i++ {
		ok, _ := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
		assert.True(t, ok)
		d.RecordSend(prefs.NetworkID)
	}

	ok, reason := d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
	assert.False(t, ok)
	assert.Equal(t, "rate limit exceeded", reason)

	// Entries age out after an hour.
	d.now = func() time.Time { return base.Add(61 * time.Minute) }
	ok, _ = d.ShouldNotify(prefs, nil, testEvent("device_down", PriorityHigh), false)
	assert.True(t, ok)
}

func TestForceBypassesFiltersButNotChannelConfig(t *testing.T) {
	d := newDecider()

	disabled := testPrefs()
	disabled.Enabled = false
	disabled.EnabledNotificationTypes = nil
	ok, reason := d.ShouldNotify(disabled, nil, testEvent("device_down", PriorityLow), true)
	assert.True(t, ok)
	assert.Equal(t, "forced", reason)

	unconfigured := DefaultNetworkPreferences(1)
	ok, reason = d.ShouldNotify(unconfigured, nil, testEvent("device_down", PriorityLow), true)
	assert.False(t, ok)
	assert.Equal(t, "no channels configured", reason)
}
