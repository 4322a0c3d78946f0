// Package snapshot assembles per-tenant topology snapshots from upstream
// collectors and publishes them on the bus.
package snapshot

import (
	"encoding/json"
	"time"
)

// HealthStatus classifies a node's current condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// DeviceRole describes what a node is in the topology. Group nodes are
// layout-only containers and are excluded from summary counts.
type DeviceRole string

const (
	RoleRouter  DeviceRole = "router"
	RoleSwitch  DeviceRole = "switch"
	RoleGateway DeviceRole = "gateway"
	RoleServer  DeviceRole = "server"
	RoleDevice  DeviceRole = "device"
	RoleGroup   DeviceRole = "group"
)

// EventType discriminates bus events.
type EventType string

const (
	EventFullSnapshot       EventType = "full_snapshot"
	EventNodeUpdate         EventType = "node_update"
	EventConnectivityChange EventType = "connectivity_change"
	EventHealthUpdate       EventType = "health_update"
	EventSpeedTestResult    EventType = "speed_test_result"
)

// Bus channels and the last-snapshot KV key.
const (
	ChannelTopology  = "metrics:topology"
	ChannelHealth    = "metrics:health"
	ChannelSpeedtest = "metrics:speedtest"

	LastSnapshotKey = "metrics:last_snapshot"
	LastSnapshotTTL = time.Hour
)

// MetricsEvent is the envelope published on every bus channel.
type MetricsEvent struct {
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// LayoutNode is one node of the tenant's layout tree as stored by the
// backend (root plus nested children).
type LayoutNode struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	IP                string       `json:"ip,omitempty"`
	Role              DeviceRole   `json:"role"`
	Notes             string       `json:"notes,omitempty"`
	MonitoringEnabled *bool        `json:"monitoring_enabled,omitempty"`
	Children          []LayoutNode `json:"children,omitempty"`
}

// Layout is the tenant topology tree.
type Layout struct {
	Root LayoutNode `json:"root"`
}

// HealthRecord is the collector's cached per-device telemetry, keyed by IP.
type HealthRecord struct {
	Status       HealthStatus `json:"status"`
	PingMs       *float64     `json:"ping_ms,omitempty"`
	DNSMs        *float64     `json:"dns_ms,omitempty"`
	PacketLoss   *float64     `json:"packet_loss,omitempty"`
	OpenPorts    []int        `json:"open_ports,omitempty"`
	UptimeSec    *float64     `json:"uptime_seconds,omitempty"`
	CheckHistory []bool       `json:"check_history,omitempty"`
	LastCheck    *time.Time   `json:"last_check,omitempty"`
}

// SpeedTestResult is the collector's most recent speed test for a gateway.
type SpeedTestResult struct {
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
	ServerName   string    `json:"server_name,omitempty"`
	ISP          string    `json:"isp,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TestIPMetrics is one probe target measured from a gateway.
type TestIPMetrics struct {
	IP         string   `json:"ip"`
	PingMs     *float64 `json:"ping_ms,omitempty"`
	PacketLoss *float64 `json:"packet_loss,omitempty"`
	Reachable  bool     `json:"reachable"`
}

// GatewayISPInfo aggregates a gateway's probe-IP metrics and its last known
// speed test.
type GatewayISPInfo struct {
	GatewayIP     string           `json:"gateway_ip"`
	TestIPs       []TestIPMetrics  `json:"test_ips,omitempty"`
	LastSpeedTest *SpeedTestResult `json:"last_speed_test,omitempty"`
}

// NodeMetrics is the snapshot's per-node record, re-computed every cycle.
type NodeMetrics struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	IP                string          `json:"ip,omitempty"`
	Role              DeviceRole      `json:"role"`
	ParentID          string          `json:"parent_id,omitempty"`
	Depth             int             `json:"depth"`
	Status            HealthStatus    `json:"status"`
	PingMs            *float64        `json:"ping_ms,omitempty"`
	DNSMs             *float64        `json:"dns_ms,omitempty"`
	OpenPorts         []int           `json:"open_ports,omitempty"`
	UptimeSec         *float64        `json:"uptime_seconds,omitempty"`
	CheckHistory      []bool          `json:"check_history,omitempty"`
	ISPInfo           *GatewayISPInfo `json:"isp_info,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	MonitoringEnabled bool            `json:"monitoring_enabled"`
}

// Connection is one parent-child edge of the topology.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TopologySnapshot is an immutable point-in-time materialization of one
// tenant's topology and health. TotalNodes excludes the root and any group
// node; the per-status counts always sum to TotalNodes.
type TopologySnapshot struct {
	SnapshotID  string                 `json:"snapshot_id"`
	NetworkID   int64                  `json:"network_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version"`
	TotalNodes  int                    `json:"total_nodes"`
	Healthy     int                    `json:"healthy"`
	Degraded    int                    `json:"degraded"`
	Unhealthy   int                    `json:"unhealthy"`
	Unknown     int                    `json:"unknown"`
	Nodes       map[string]NodeMetrics `json:"nodes"`
	Connections []Connection           `json:"connections"`
	Gateways    []GatewayISPInfo       `json:"gateways"`
	RootNodeID  string                 `json:"root_node_id"`
}
