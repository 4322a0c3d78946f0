package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const (
	prefsFile       = "preferences.json"
	globalPrefsFile = "global_preferences.json"
	silencedFile    = "silenced_devices.json"
)

// PreferencesStore holds per-network and per-user notification policy,
// persisted as JSON under the notify data directory. All maps are guarded
// by their own lock so a slow flush on one file never blocks the others.
type PreferencesStore struct {
	dir    string
	logger zerolog.Logger

	networkMu sync.RWMutex
	network   map[int64]*NetworkPreferences

	globalMu sync.RWMutex
	global   map[int64]*GlobalPreferences

	silencedMu sync.RWMutex
	silenced   map[string]bool // device IP -> silenced
}

func NewPreferencesStore(dir string, logger zerolog.Logger) *PreferencesStore {
	s := &PreferencesStore{
		dir:      dir,
		logger:   logger.With().Str("component", "preferences").Logger(),
		network:  map[int64]*NetworkPreferences{},
		global:   map[int64]*GlobalPreferences{},
		silenced: map[string]bool{},
	}
	s.load()
	return s
}

// load reads the persisted files. Records from before networks existed
// carry no network_id and are dropped.
func (s *PreferencesStore) load() {
	var networkRaw []json.RawMessage
	if s.readJSON(prefsFile, &networkRaw) {
		dropped := 0
		for _, raw := range networkRaw {
			var prefs NetworkPreferences
			if err := json.Unmarshal(raw, &prefs); err != nil || prefs.NetworkID == 0 {
				dropped++
				continue
			}
			s.network[prefs.NetworkID] = &prefs
		}
		if dropped > 0 {
			s.logger.Warn().
				Int("dropped", dropped).
				Msg("Dropped preference records without a network id")
		}
	}

	var globalRaw []json.RawMessage
	if s.readJSON(globalPrefsFile, &globalRaw) {
		for _, raw := range globalRaw {
			var prefs GlobalPreferences
			if err := json.Unmarshal(raw, &prefs); err != nil || prefs.UserID == 0 {
				continue
			}
			s.global[prefs.UserID] = &prefs
		}
	}

	var silenced []string
	if s.readJSON(silencedFile, &silenced) {
		for _, ip := range silenced {
			s.silenced[ip] = true
		}
	}
}

func (s *PreferencesStore) readJSON(name string, out interface{}) bool {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", name).Msg("Failed to read state file")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("State file malformed, starting fresh")
		return false
	}
	return true
}

// writeJSON is best-effort: a failed flush is logged, never propagated.
func (s *PreferencesStore) writeJSON(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Str("file", name).Msg("Failed to encode state")
		return
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error().Err(err).Str("file", name).Msg("Failed to write state")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error().Err(err).Str("file", name).Msg("Failed to replace state file")
	}
}

// ForNetwork returns the network's preferences, creating defaults lazily.
func (s *PreferencesStore) ForNetwork(networkID int64) *NetworkPreferences {
	s.networkMu.RLock()
	prefs, ok := s.network[networkID]
	s.networkMu.RUnlock()
	if ok {
		return prefs
	}

	s.networkMu.Lock()
	defer s.networkMu.Unlock()
	if prefs, ok = s.network[networkID]; ok {
		return prefs
	}
	prefs = DefaultNetworkPreferences(networkID)
	s.network[networkID] = prefs
	s.flushNetworkLocked()
	return prefs
}

// SetNetwork replaces a network's preferences and flushes.
func (s *PreferencesStore) SetNetwork(prefs *NetworkPreferences) {
	s.networkMu.Lock()
	defer s.networkMu.Unlock()
	s.network[prefs.NetworkID] = prefs
	s.flushNetworkLocked()
}

func (s *PreferencesStore) flushNetworkLocked() {
	all := make([]*NetworkPreferences, 0, len(s.network))
	for _, p := range s.network {
		all = append(all, p)
	}
	s.writeJSON(prefsFile, all)
}

// ForUser returns the user's global preferences, creating defaults lazily.
func (s *PreferencesStore) ForUser(userID int64) *GlobalPreferences {
	s.globalMu.RLock()
	prefs, ok := s.global[userID]
	s.globalMu.RUnlock()
	if ok {
		return prefs
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if prefs, ok = s.global[userID]; ok {
		return prefs
	}
	prefs = DefaultGlobalPreferences(userID)
	s.global[userID] = prefs
	s.flushGlobalLocked()
	return prefs
}

// SetUser replaces a user's global preferences and flushes.
func (s *PreferencesStore) SetUser(prefs *GlobalPreferences) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.global[prefs.UserID] = prefs
	s.flushGlobalLocked()
}

func (s *PreferencesStore) flushGlobalLocked() {
	all := make([]*GlobalPreferences, 0, len(s.global))
	for _, p := range s.global {
		all = append(all, p)
	}
	s.writeJSON(globalPrefsFile, all)
}

// MigrateUsersToGlobalPreferences seeds a global record for every listed
// user that lacks one. Running it twice is a no-op.
func (s *PreferencesStore) MigrateUsersToGlobalPreferences(userIDs []int64) int {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	created := 0
	for _, id := range userIDs {
		if _, ok := s.global[id]; ok {
			continue
		}
		s.global[id] = DefaultGlobalPreferences(id)
		created++
	}
	if created > 0 {
		s.flushGlobalLocked()
		s.logger.Info().Int("created", created).Msg("Seeded global preferences")
	}
	return created
}

// SilenceDevice suppresses notifications for a device IP.
func (s *PreferencesStore) SilenceDevice(ip string) {
	s.silencedMu.Lock()
	defer s.silencedMu.Unlock()
	s.silenced[ip] = true
	s.flushSilencedLocked()
}

// UnsilenceDevice re-enables notifications for a device IP.
func (s *PreferencesStore) UnsilenceDevice(ip string) {
	s.silencedMu.Lock()
	defer s.silencedMu.Unlock()
	delete(s.silenced, ip)
	s.flushSilencedLocked()
}

// IsSilenced reports whether a device IP is suppressed.
func (s *PreferencesStore) IsSilenced(ip string) bool {
	if ip == "" {
		return false
	}
	s.silencedMu.RLock()
	defer s.silencedMu.RUnlock()
	return s.silenced[ip]
}

// SilencedDevices returns the suppressed IPs.
func (s *PreferencesStore) SilencedDevices() []string {
	s.silencedMu.RLock()
	defer s.silencedMu.RUnlock()
	out := make([]string, 0, len(s.silenced))
	for ip := range s.silenced {
		out = append(out, ip)
	}
	return out
}

func (s *PreferencesStore) flushSilencedLocked() {
	out := make([]string, 0, len(s.silenced))
	for ip := range s.silenced {
		out = append(out, ip)
	}
	s.writeJSON(silencedFile, out)
}
