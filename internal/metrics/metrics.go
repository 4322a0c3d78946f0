// Package metrics exposes the Prometheus instrumentation shared by the
// services. These metrics can be scraped by Prometheus and visualized in
// Grafana.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netsight_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsight_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsight_ws_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Bus metrics
	busEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsight_bus_events_received_total",
		Help: "Total bus events received by channel",
	}, []string{"channel"})

	// Snapshot aggregator metrics
	snapshotsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netsight_snapshots_published_total",
		Help: "Total topology snapshots published",
	})

	snapshotCyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netsight_snapshot_cycles_skipped_total",
		Help: "Total publish cycles skipped because the previous one was still running",
	})

	snapshotBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsight_snapshot_build_seconds",
		Help:    "Time to build and publish one snapshot cycle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Notification pipeline metrics
	notificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsight_notifications_dispatched_total",
		Help: "Total notification deliveries by channel and outcome",
	}, []string{"channel", "outcome"})

	notificationsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsight_notifications_suppressed_total",
		Help: "Total notifications suppressed by policy reason",
	}, []string{"reason"})

	// Quota metrics
	quotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsight_quota_rejections_total",
		Help: "Total requests rejected by the daily quota",
	}, []string{"endpoint"})

	// Proxy edge metrics
	upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netsight_proxy_upstream_seconds",
		Help:    "Upstream round-trip latency by status class",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"status"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsight_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsight_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)

	prometheus.MustRegister(busEventsReceived)

	prometheus.MustRegister(snapshotsPublished)
	prometheus.MustRegister(snapshotCyclesSkipped)
	prometheus.MustRegister(snapshotBuildDuration)

	prometheus.MustRegister(notificationsDispatched)
	prometheus.MustRegister(notificationsSuppressed)

	prometheus.MustRegister(quotaRejections)
	prometheus.MustRegister(upstreamLatency)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(goroutinesActive)
}

// ConnectionOpened records an accepted WebSocket connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a disconnect.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionRejected records a refused connection attempt.
func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// BusEventReceived records one event consumed from a bus channel.
func BusEventReceived(channel string) {
	busEventsReceived.WithLabelValues(channel).Inc()
}

// SnapshotPublished records a successfully published snapshot.
func SnapshotPublished() {
	snapshotsPublished.Inc()
}

// SnapshotCycleSkipped records an overlapping publish cycle skip.
func SnapshotCycleSkipped() {
	snapshotCyclesSkipped.Inc()
}

// ObserveSnapshotBuild records the duration of one publish cycle.
func ObserveSnapshotBuild(d time.Duration) {
	snapshotBuildDuration.Observe(d.Seconds())
}

// NotificationDispatched records one delivery attempt outcome.
func NotificationDispatched(channel string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	notificationsDispatched.WithLabelValues(channel, outcome).Inc()
}

// NotificationSuppressed records a policy suppression.
func NotificationSuppressed(reason string) {
	notificationsSuppressed.WithLabelValues(reason).Inc()
}

// QuotaRejected records a daily-quota rejection.
func QuotaRejected(endpoint string) {
	quotaRejections.WithLabelValues(endpoint).Inc()
}

// ObserveUpstream records an upstream round trip.
func ObserveUpstream(statusClass string, d time.Duration) {
	upstreamLatency.WithLabelValues(statusClass).Observe(d.Seconds())
}

// Collector periodically samples runtime gauges.
type Collector struct {
	interval time.Duration
	stop     chan struct{}
}

func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{interval: interval, stop: make(chan struct{})}
}

// Start begins sampling until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryUsageBytes.Set(float64(mem.Alloc))
	goroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
