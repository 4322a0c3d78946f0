package notify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/logging"
)

const (
	baselinesFile  = "baselines.json"
	modelStateFile = "model_state.json"

	// modelVersion changes when the baseline schema changes.
	modelVersion = "1.2"

	baselinePersistInterval = 5 * time.Minute
)

// WelfordStat is a streaming mean/variance accumulator.
type WelfordStat struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Add folds one observation into the accumulator.
func (w *WelfordStat) Add(x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (x - w.Mean)
}

// Variance returns the sample variance, 0 below two observations.
func (w *WelfordStat) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count-1)
}

// DeviceStats is one device's learned baseline.
type DeviceStats struct {
	DeviceIP            string      `json:"device_ip"`
	Latency             WelfordStat `json:"latency"`
	PacketLoss          WelfordStat `json:"packet_loss"`
	TotalChecks         int64       `json:"total_checks"`
	SuccessfulChecks    int64       `json:"successful_checks"`
	ConsecutiveFailures int64       `json:"consecutive_failures"`
	LastSeen            time.Time   `json:"last_seen"`
}

// Availability returns the running success fraction.
func (d *DeviceStats) Availability() float64 {
	if d.TotalChecks == 0 {
		return 0
	}
	return float64(d.SuccessfulChecks) / float64(d.TotalChecks)
}

// ModelStatus summarizes the baseline model.
type ModelStatus struct {
	DeviceCount  int       `json:"device_count"`
	ModelVersion string    `json:"model_version"`
	LastTrained  time.Time `json:"last_trained"`
}

// Baseline maintains per-device online statistics for anomaly detection.
// Inference policy is intentionally out of scope; the baseline only
// learns and reports.
type Baseline struct {
	dir    string
	logger zerolog.Logger

	mu          sync.RWMutex
	devices     map[string]*DeviceStats
	lastTrained time.Time
	dirty       bool

	wg sync.WaitGroup
}

func NewBaseline(dir string, logger zerolog.Logger) *Baseline {
	b := &Baseline{
		dir:     dir,
		logger:  logger.With().Str("component", "baseline").Logger(),
		devices: map[string]*DeviceStats{},
	}
	b.load()
	return b
}

func (b *Baseline) load() {
	data, err := os.ReadFile(filepath.Join(b.dir, baselinesFile))
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn().Err(err).Msg("Failed to read baselines file")
		}
		return
	}
	var devices map[string]*DeviceStats
	if err := json.Unmarshal(data, &devices); err != nil {
		b.logger.Warn().Err(err).Msg("Baselines file malformed, starting fresh")
		return
	}
	b.devices = devices
	b.logger.Info().Int("devices", len(devices)).Msg("Baselines loaded")
}

// Train folds one health check observation into the device's baseline.
func (b *Baseline) Train(ip string, success bool, latencyMs, packetLoss float64, ts time.Time) {
	if ip == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stats, ok := b.devices[ip]
	if !ok {
		stats = &DeviceStats{DeviceIP: ip}
		b.devices[ip] = stats
	}

	stats.TotalChecks++
	if success {
		stats.SuccessfulChecks++
		stats.ConsecutiveFailures = 0
		stats.Latency.Add(latencyMs)
	} else {
		stats.ConsecutiveFailures++
	}
	stats.PacketLoss.Add(packetLoss)
	stats.LastSeen = ts

	b.lastTrained = ts
	b.dirty = true
}

// DeviceBaseline returns a copy of one device's stats, or nil.
func (b *Baseline) DeviceBaseline(ip string) *DeviceStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats, ok := b.devices[ip]
	if !ok {
		return nil
	}
	copied := *stats
	return &copied
}

// Status returns the model summary.
func (b *Baseline) Status() ModelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ModelStatus{
		DeviceCount:  len(b.devices),
		ModelVersion: modelVersion,
		LastTrained:  b.lastTrained,
	}
}

// Run persists the baselines periodically until ctx is cancelled, with a
// final flush on exit.
func (b *Baseline) Run(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer logging.RecoverPanic(b.logger, "baseline")
		ticker := time.NewTicker(baselinePersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.Persist()
				return
			case <-ticker.C:
				b.Persist()
			}
		}
	}()
}

// Wait blocks until the persist loop has exited.
func (b *Baseline) Wait() {
	b.wg.Wait()
}

// Persist flushes the baselines and model state if anything changed.
func (b *Baseline) Persist() {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	devices, err := json.MarshalIndent(b.devices, "", "  ")
	status := ModelStatus{
		DeviceCount:  len(b.devices),
		ModelVersion: modelVersion,
		LastTrained:  b.lastTrained,
	}
	b.dirty = false
	b.mu.Unlock()

	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode baselines")
		return
	}
	b.writeFile(baselinesFile, devices)

	state, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode model state")
		return
	}
	b.writeFile(modelStateFile, state)
}

func (b *Baseline) writeFile(name string, data []byte) {
	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.logger.Error().Err(err).Str("file", name).Msg("Failed to write state")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		b.logger.Error().Err(err).Str("file", name).Msg("Failed to replace state file")
	}
}
