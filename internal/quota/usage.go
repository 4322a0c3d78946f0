package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/kv"
)

// Sample is one observed request.
type Sample struct {
	Method     string
	Endpoint   string
	StatusCode int
	Latency    time.Duration
}

// UsageRecorder aggregates per-endpoint request counters into KV hash
// fields. Samples are buffered in memory and flushed in a pipeline either
// when the batch fills or on the flush interval, whichever comes first.
type UsageRecorder struct {
	kv      *kv.Client
	service string

	mu      sync.Mutex
	pending []Sample

	batchSize     int
	flushInterval time.Duration

	logger zerolog.Logger
	stop   chan struct{}
	done   chan struct{}
}

func NewUsageRecorder(kvc *kv.Client, service string, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *UsageRecorder {
	if batchSize < 1 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 15 * time.Second
	}
	return &UsageRecorder{
		kv:            kvc,
		service:       service,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger.With().Str("component", "usage_recorder").Logger(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (u *UsageRecorder) Start(ctx context.Context) {
	go func() {
		defer close(u.done)
		ticker := time.NewTicker(u.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				u.flush(context.Background())
				return
			case <-u.stop:
				u.flush(context.Background())
				return
			case <-ticker.C:
				u.flush(ctx)
			}
		}
	}()
}

// Stop flushes outstanding samples and stops the loop.
func (u *UsageRecorder) Stop() {
	close(u.stop)
	<-u.done
}

// Record buffers one sample; a full batch triggers an immediate flush.
func (u *UsageRecorder) Record(ctx context.Context, s Sample) {
	u.mu.Lock()
	u.pending = append(u.pending, s)
	full := len(u.pending) >= u.batchSize
	u.mu.Unlock()

	if full {
		u.flush(ctx)
	}
}

// usageKey format: usage:<service>:<method>:<endpoint-underscored>.
func (u *UsageRecorder) usageKey(method, endpoint string) string {
	underscored := strings.Trim(strings.ReplaceAll(endpoint, "/", "_"), "_")
	return fmt.Sprintf("usage:%s:%s:%s", u.service, method, underscored)
}

func (u *UsageRecorder) flush(ctx context.Context) {
	u.mu.Lock()
	batch := u.pending
	u.pending = nil
	u.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := u.kv.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, "usage:services", u.service)
		for _, s := range batch {
			key := u.usageKey(s.Method, s.Endpoint)
			ms := s.Latency.Milliseconds()

			p.HIncrBy(ctx, key, "request_count", 1)
			if s.StatusCode < 400 {
				p.HIncrBy(ctx, key, "success_count", 1)
			} else {
				p.HIncrBy(ctx, key, "error_count", 1)
			}
			p.HIncrBy(ctx, key, "total_response_time_ms", ms)
			p.HIncrBy(ctx, key, fmt.Sprintf("status:%d", s.StatusCode), 1)
			p.HSetNX(ctx, key, "min_response_time_ms", ms)
			p.HSetNX(ctx, key, "first_seen", now)
			p.HSet(ctx, key, "last_seen", now)
			p.HSet(ctx, key, "method", s.Method, "endpoint", s.Endpoint)
		}
		return nil
	})
	if err != nil {
		// Usage accounting is best-effort; a down store drops the batch.
		u.logger.Warn().Err(err).Int("batch", len(batch)).Msg("Usage flush failed")
		return
	}

	// Min/max need a read-modify-write; do them outside the pipeline since
	// HSETNX only covers the first write.
	u.updateExtremes(ctx, batch)
}

func (u *UsageRecorder) updateExtremes(ctx context.Context, batch []Sample) {
	type extreme struct{ min, max int64 }
	perKey := map[string]*extreme{}
	for _, s := range batch {
		key := u.usageKey(s.Method, s.Endpoint)
		ms := s.Latency.Milliseconds()
		e, ok := perKey[key]
		if !ok {
			perKey[key] = &extreme{min: ms, max: ms}
			continue
		}
		if ms < e.min {
			e.min = ms
		}
		if ms > e.max {
			e.max = ms
		}
	}

	for key, e := range perKey {
		if cur, err := u.kv.HGet(ctx, key, "min_response_time_ms"); err == nil {
			var m int64
			fmt.Sscanf(cur, "%d", &m)
			if e.min < m {
				u.kv.HSet(ctx, key, "min_response_time_ms", e.min)
			}
		}
		if cur, err := u.kv.HGet(ctx, key, "max_response_time_ms"); err == nil {
			var m int64
			fmt.Sscanf(cur, "%d", &m)
			if e.max > m {
				u.kv.HSet(ctx, key, "max_response_time_ms", e.max)
			}
		} else {
			u.kv.HSet(ctx, key, "max_response_time_ms", e.max)
		}
	}
}
