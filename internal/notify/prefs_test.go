package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyDefaultsPersist(t *testing.T) {
	dir := t.TempDir()

	s := NewPreferencesStore(dir, zerolog.Nop())
	prefs := s.ForNetwork(7)
	assert.True(t, prefs.Enabled)
	assert.Equal(t, PriorityLow, prefs.MinimumPriority)
	assert.Equal(t, 20, prefs.MaxNotificationsPerHour)

	reloaded := NewPreferencesStore(dir, zerolog.Nop())
	assert.Equal(t, int64(7), reloaded.ForNetwork(7).NetworkID)
}

func TestSetNetworkRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewPreferencesStore(dir, zerolog.Nop())

	prefs := DefaultNetworkPreferences(3)
	prefs.EmailEnabled = true
	prefs.EmailRecipients = []string{"ops@example.com"}
	prefs.Timezone = "America/New_York"
	s.SetNetwork(prefs)

	got := NewPreferencesStore(dir, zerolog.Nop()).ForNetwork(3)
	assert.Equal(t, []string{"ops@example.com"}, got.EmailRecipients)
	assert.Equal(t, "America/New_York", got.Timezone)
}

func TestLoadDropsRecordsWithoutNetworkID(t *testing.T) {
	dir := t.TempDir()
	raw := []map[string]interface{}{
		{"network_id": 5, "enabled": true, "minimum_priority": "low", "enabled_notification_types": []string{"device_down"}},
		{"enabled": true, "minimum_priority": "low"},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefsFile), data, 0o644))

	s := NewPreferencesStore(dir, zerolog.Nop())
	s.networkMu.RLock()
	defer s.networkMu.RUnlock()
	assert.Len(t, s.network, 1)
	assert.Contains(t, s.network, int64(5))
}

func TestSilencedDevices(t *testing.T) {
	dir := t.TempDir()
	s := NewPreferencesStore(dir, zerolog.Nop())

	s.SilenceDevice("10.0.0.1")
	assert.True(t, s.IsSilenced("10.0.0.1"))
	assert.False(t, s.IsSilenced("10.0.0.2"))
	assert.False(t, s.IsSilenced(""))

	reloaded := NewPreferencesStore(dir, zerolog.Nop())
	assert.True(t, reloaded.IsSilenced("10.0.0.1"))

	reloaded.UnsilenceDevice("10.0.0.1")
	assert.False(t, reloaded.IsSilenced("10.0.0.1"))
}

func TestMigrationIsIdempotent(t *testing.T) {
	s := NewPreferencesStore(t.TempDir(), zerolog.Nop())

	assert.Equal(t, 3, s.MigrateUsersToGlobalPreferences([]int64{1, 2, 3}))
	assert.Equal(t, 0, s.MigrateUsersToGlobalPreferences([]int64{1, 2, 3}))

	// A pre-existing record survives migration untouched.
	custom := DefaultGlobalPreferences(9)
	custom.MinimumPriority = PriorityCritical
	s.SetUser(custom)
	assert.Equal(t, 0, s.MigrateUsersToGlobalPreferences([]int64{9}))
	assert.Equal(t, PriorityCritical, s.ForUser(9).MinimumPriority)
}
