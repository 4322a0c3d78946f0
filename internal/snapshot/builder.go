package snapshot

import (
	"time"

	"github.com/google/uuid"
)

// snapshotVersion tags the snapshot schema carried on the bus.
const snapshotVersion = "2"

// Inputs bundles everything one assembly cycle needs, fetched up front so
// the build itself is pure.
type Inputs struct {
	NetworkID      int64
	Layout         *Layout
	Health         map[string]HealthRecord
	GatewayMetrics map[string][]TestIPMetrics
	SpeedTests     map[string]SpeedTestResult
	// Monitoring is the collector's global monitoring state. When it is
	// disabled or paused, every node renders as not monitored regardless of
	// its layout flag. Nil means the status could not be fetched and
	// per-node flags stand alone.
	Monitoring *MonitoringStatus
	// Prior is the previous snapshot for this tenant, used to preserve
	// node notes the fresh layout dropped.
	Prior *TopologySnapshot
}

// Build assembles an immutable snapshot from the inputs. Returns nil when
// the tenant has no layout.
func Build(in Inputs) *TopologySnapshot {
	if in.Layout == nil {
		return nil
	}

	snap := &TopologySnapshot{
		SnapshotID:  uuid.NewString(),
		NetworkID:   in.NetworkID,
		Timestamp:   time.Now().UTC(),
		Version:     snapshotVersion,
		Nodes:       map[string]NodeMetrics{},
		Connections: []Connection{},
		Gateways:    []GatewayISPInfo{},
		RootNodeID:  in.Layout.Root.ID,
	}

	type queued struct {
		node     LayoutNode
		parentID string
		depth    int
	}

	// Breadth-first traversal keeps sibling order stable and parent rows
	// ahead of their children.
	queue := []queued{{node: in.Layout.Root}}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]

		metrics := buildNode(q.node, q.parentID, q.depth, in)
		snap.Nodes[q.node.ID] = metrics

		if q.parentID != "" {
			snap.Connections = append(snap.Connections, Connection{From: q.parentID, To: q.node.ID})
		}

		// Summary counts exclude the root and layout-only group nodes.
		if q.depth > 0 && q.node.Role != RoleGroup {
			snap.TotalNodes++
			switch metrics.Status {
			case StatusHealthy:
				snap.Healthy++
			case StatusDegraded:
				snap.Degraded++
			case StatusUnhealthy:
				snap.Unhealthy++
			default:
				snap.Unknown++
			}
		}

		if q.node.Role == RoleGateway && metrics.ISPInfo != nil {
			snap.Gateways = append(snap.Gateways, *metrics.ISPInfo)
		}

		for _, child := range q.node.Children {
			queue = append(queue, queued{node: child, parentID: q.node.ID, depth: q.depth + 1})
		}
	}

	return snap
}

// buildNode merges one layout node with its health record and, for
// gateways, ISP probe metrics.
func buildNode(node LayoutNode, parentID string, depth int, in Inputs) NodeMetrics {
	m := NodeMetrics{
		ID:                node.ID,
		Name:              node.Name,
		IP:                node.IP,
		Role:              node.Role,
		ParentID:          parentID,
		Depth:             depth,
		Status:            StatusUnknown,
		Notes:             node.Notes,
		MonitoringEnabled: node.MonitoringEnabled == nil || *node.MonitoringEnabled,
	}
	if in.Monitoring != nil && (!in.Monitoring.Enabled || in.Monitoring.Paused) {
		m.MonitoringEnabled = false
	}

	// Preserve notes the fresh layout dropped but a prior snapshot carried.
	if m.Notes == "" && in.Prior != nil {
		if prev, ok := in.Prior.Nodes[node.ID]; ok && prev.Notes != "" {
			m.Notes = prev.Notes
		}
	}

	if node.Role == RoleGroup {
		return m
	}

	if health, ok := in.Health[node.IP]; ok && node.IP != "" {
		m.Status = health.Status
		m.PingMs = health.PingMs
		m.DNSMs = health.DNSMs
		m.OpenPorts = health.OpenPorts
		m.UptimeSec = health.UptimeSec
		m.CheckHistory = health.CheckHistory
	}

	if node.Role == RoleGateway && node.IP != "" {
		info := &GatewayISPInfo{GatewayIP: node.IP}
		if testIPs, ok := in.GatewayMetrics[node.IP]; ok {
			info.TestIPs = testIPs
		}
		if result, ok := in.SpeedTests[node.IP]; ok {
			last := result
			info.LastSpeedTest = &last
		}
		m.ISPInfo = info
	}

	return m
}
