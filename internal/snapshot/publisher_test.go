package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/kv"
)

// collectorStub fakes the backend and health collector routes the publisher
// hits during a cycle.
type collectorStub struct {
	networkIDs []int64
	layouts    map[int64]*Layout
	health     map[string]HealthRecord
	monitoring *MonitoringStatus
	layoutHits int32
}

func (s *collectorStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/networks/ids", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"network_ids": s.networkIDs})
	})
	mux.HandleFunc("/api/load-layout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.layoutHits, 1)
		layout, ok := s.layouts[0]
		if !ok {
			json.NewEncoder(w).Encode(map[string]interface{}{"exists": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"exists": true, "layout": layout})
	})
	mux.HandleFunc("/api/networks/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.layoutHits, 1)
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/networks/"), "/layout"), 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		layout, ok := s.layouts[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"layout_data": layout})
	})
	mux.HandleFunc("/api/health/cached", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(s.health)
	})
	mux.HandleFunc("/api/health/gateway/test-ips/all/metrics", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	mux.HandleFunc("/api/health/speedtest/all", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	mux.HandleFunc("/api/health/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		status := s.monitoring
		if status == nil {
			status = &MonitoringStatus{Enabled: true}
		}
		json.NewEncoder(w).Encode(status)
	})
	return mux
}

func newTestPublisher(t *testing.T, stub *collectorStub, interval time.Duration) (*Publisher, *kv.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	kvc := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())

	up := NewUpstream(srv.URL, srv.URL, "svc-token", zerolog.Nop())
	return NewPublisher(up, kvc, interval, zerolog.Nop()), kvc, mr
}

func TestPublishAllLegacyMode(t *testing.T) {
	stub := &collectorStub{
		layouts: map[int64]*Layout{0: testLayout()},
		health:  map[string]HealthRecord{"10.0.0.1": {Status: StatusHealthy}},
	}
	p, kvc, _ := newTestPublisher(t, stub, time.Minute)

	ctx := context.Background()
	msgs, stop := kvc.Subscribe(ctx, ChannelTopology)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.PublishAll(ctx))

	select {
	case msg := <-msgs:
		var event MetricsEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, EventFullSnapshot, event.EventType)

		var snap TopologySnapshot
		require.NoError(t, json.Unmarshal(event.Payload, &snap))
		assert.Equal(t, 3, snap.TotalNodes)
		assert.Equal(t, 1, snap.Healthy)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot event on the bus")
	}

	raw, err := kvc.Get(ctx, LastSnapshotKey)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	require.NotNil(t, p.Last(0))
	assert.Equal(t, p.Last(0), p.LastAny())
}

func TestPublishAllPerTenantKeys(t *testing.T) {
	stub := &collectorStub{
		networkIDs: []int64{4, 9},
		layouts:    map[int64]*Layout{4: testLayout(), 9: testLayout()},
	}
	p, kvc, _ := newTestPublisher(t, stub, time.Minute)

	ctx := context.Background()
	require.NoError(t, p.PublishAll(ctx))

	for _, id := range []int64{4, 9} {
		raw, err := kvc.Get(ctx, LastSnapshotKey+":"+strconv.FormatInt(id, 10))
		require.NoError(t, err, "tenant %d", id)
		assert.NotEmpty(t, raw)
		require.NotNil(t, p.Last(id))
	}
	assert.Nil(t, p.Last(0))
}

func TestPublishAllSkipsTenantWithoutLayout(t *testing.T) {
	stub := &collectorStub{
		networkIDs: []int64{4, 9},
		layouts:    map[int64]*Layout{4: testLayout()},
	}
	p, _, _ := newTestPublisher(t, stub, time.Minute)

	require.NoError(t, p.PublishAll(context.Background()))
	assert.NotNil(t, p.Last(4))
	assert.Nil(t, p.Last(9))
}

func TestPublishAllAppliesMonitoringPause(t *testing.T) {
	stub := &collectorStub{
		layouts:    map[int64]*Layout{0: testLayout()},
		monitoring: &MonitoringStatus{Enabled: true, Paused: true},
	}
	p, _, _ := newTestPublisher(t, stub, time.Minute)

	require.NoError(t, p.PublishAll(context.Background()))

	snap := p.Last(0)
	require.NotNil(t, snap)
	for id, node := range snap.Nodes {
		assert.False(t, node.MonitoringEnabled, "node %s", id)
	}
}

func TestLastSnapshotKeyExpires(t *testing.T) {
	stub := &collectorStub{layouts: map[int64]*Layout{0: testLayout()}}
	p, kvc, mr := newTestPublisher(t, stub, time.Minute)

	ctx := context.Background()
	require.NoError(t, p.PublishAll(ctx))

	mr.FastForward(LastSnapshotTTL + time.Second)
	_, err := kvc.Get(ctx, LastSnapshotKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPublishAllReentrancySkip(t *testing.T) {
	stub := &collectorStub{layouts: map[int64]*Layout{0: testLayout()}}
	p, _, _ := newTestPublisher(t, stub, time.Minute)

	atomic.StoreInt32(&p.publishing, 1)
	require.NoError(t, p.PublishAll(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&stub.layoutHits))
	atomic.StoreInt32(&p.publishing, 0)
}

func TestIntervalFloor(t *testing.T) {
	stub := &collectorStub{}
	p, _, _ := newTestPublisher(t, stub, time.Second)
	assert.Equal(t, minPublishInterval, p.interval)
}

func TestStartPublishesInitialSnapshotSynchronously(t *testing.T) {
	stub := &collectorStub{layouts: map[int64]*Layout{0: testLayout()}}
	p, _, _ := newTestPublisher(t, stub, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	// Start returns only after the first cycle completed.
	assert.NotNil(t, p.Last(0))

	cancel()
	p.Wait()
}
