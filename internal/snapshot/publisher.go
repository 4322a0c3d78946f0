package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/logging"
	"github.com/netsight-io/netsight/internal/metrics"
)

// minPublishInterval is the floor for the publish loop.
const minPublishInterval = 5 * time.Second

// Publisher runs the periodic assemble-store-publish cycle. One publisher
// task per process; overlapping cycles are skipped, not queued.
type Publisher struct {
	upstream *Upstream
	kv       *kv.Client
	interval time.Duration
	logger   zerolog.Logger

	// last holds the most recent snapshot per tenant (key 0 = legacy).
	mu   sync.RWMutex
	last map[int64]*TopologySnapshot

	publishing int32 // re-entrancy flag
	wg         sync.WaitGroup
}

func NewPublisher(upstream *Upstream, kvc *kv.Client, interval time.Duration, logger zerolog.Logger) *Publisher {
	if interval < minPublishInterval {
		interval = minPublishInterval
	}
	return &Publisher{
		upstream: upstream,
		kv:       kvc,
		interval: interval,
		logger:   logger.With().Str("component", "publisher").Logger(),
		last:     map[int64]*TopologySnapshot{},
	}
}

// Last returns the most recent snapshot for a tenant (0 = legacy), or nil.
func (p *Publisher) Last(networkID int64) *TopologySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last[networkID]
}

// LastAny returns any most-recent snapshot, preferring the legacy tenant.
// The gateway replays this to clients that connect before choosing a tenant.
func (p *Publisher) LastAny() *TopologySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if snap, ok := p.last[0]; ok {
		return snap
	}
	for _, snap := range p.last {
		return snap
	}
	return nil
}

// Start generates one snapshot synchronously so /snapshot is answerable
// immediately, then runs the publish loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	if err := p.PublishAll(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Initial snapshot failed")
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer logging.RecoverPanic(p.logger, "publisher")
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("Publisher stopping")
				return
			case <-ticker.C:
				// The publisher never propagates: log and retry next tick.
				if err := p.PublishAll(ctx); err != nil {
					p.logger.Error().Err(err).Msg("Publish cycle failed")
				}
			}
		}
	}()
}

// Wait blocks until the publish loop has exited.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// PublishAll assembles and publishes snapshots for every tenant. If a prior
// cycle is still in flight this one is skipped.
func (p *Publisher) PublishAll(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.publishing, 0, 1) {
		metrics.SnapshotCycleSkipped()
		p.logger.Warn().Msg("Previous publish cycle still running, skipping")
		return nil
	}
	defer atomic.StoreInt32(&p.publishing, 0)

	started := time.Now()
	defer func() { metrics.ObserveSnapshotBuild(time.Since(started)) }()

	networkIDs, err := p.upstream.FetchAllNetworkIDs(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Tenant discovery failed, falling back to legacy mode")
		networkIDs = nil
	}
	if len(networkIDs) == 0 {
		// Legacy single-tenant mode.
		networkIDs = []int64{0}
	}

	// Telemetry is shared across tenants; fetch it once per cycle, in
	// parallel.
	var (
		health     map[string]HealthRecord
		gateways   map[string][]TestIPMetrics
		speedTests map[string]SpeedTestResult
		monitoring *MonitoringStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		health, err = p.upstream.FetchCachedHealth(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		gateways, err = p.upstream.FetchGatewayMetrics(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		speedTests, err = p.upstream.FetchSpeedTests(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		monitoring, err = p.upstream.FetchMonitoringStatus(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		// Partial telemetry still produces a useful snapshot; the missing
		// maps leave nodes unknown.
		p.logger.Warn().Err(err).Msg("Telemetry fetch incomplete")
	}

	var firstErr error
	for _, networkID := range networkIDs {
		if err := p.publishOne(ctx, networkID, health, gateways, speedTests, monitoring); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// publishOne assembles, stores, and publishes one tenant's snapshot, in
// that order.
func (p *Publisher) publishOne(
	ctx context.Context,
	networkID int64,
	health map[string]HealthRecord,
	gateways map[string][]TestIPMetrics,
	speedTests map[string]SpeedTestResult,
	monitoring *MonitoringStatus,
) error {
	layout, err := p.upstream.FetchLayout(ctx, networkID)
	if err != nil {
		return fmt.Errorf("publisher: layout for %d: %w", networkID, err)
	}
	if layout == nil {
		// Tenant has no layout yet; nothing to publish.
		return nil
	}

	snap := Build(Inputs{
		NetworkID:      networkID,
		Layout:         layout,
		Health:         health,
		GatewayMetrics: gateways,
		SpeedTests:     speedTests,
		Monitoring:     monitoring,
		Prior:          p.Last(networkID),
	})
	if snap == nil {
		return nil
	}

	p.mu.Lock()
	p.last[networkID] = snap
	p.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("publisher: marshal snapshot: %w", err)
	}

	// The KV copy lets late-joining WebSocket clients get immediate state.
	key := LastSnapshotKey
	if networkID != 0 {
		key = fmt.Sprintf("%s:%d", LastSnapshotKey, networkID)
	}
	if err := p.kv.Set(ctx, key, payload, LastSnapshotTTL); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("Failed to store last snapshot")
	}

	event, err := json.Marshal(MetricsEvent{
		EventType: EventFullSnapshot,
		Timestamp: snap.Timestamp,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publisher: marshal event: %w", err)
	}
	if err := p.kv.Publish(ctx, ChannelTopology, event); err != nil {
		return fmt.Errorf("publisher: publish: %w", err)
	}
	metrics.SnapshotPublished()

	p.logger.Debug().
		Int64("network_id", networkID).
		Str("snapshot_id", snap.SnapshotID).
		Int("total_nodes", snap.TotalNodes).
		Msg("Snapshot published")
	return nil
}
