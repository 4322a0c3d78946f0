package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
)

// Upstream fetches layout and telemetry from the backend and health
// collector services.
type Upstream struct {
	backendURL string
	healthURL  string
	client     *http.Client
	authHeader string
	logger     zerolog.Logger
}

// NewUpstream builds the collector client. serviceToken authenticates
// service-to-service calls.
func NewUpstream(backendURL, healthURL, serviceToken string, logger zerolog.Logger) *Upstream {
	return &Upstream{
		backendURL: backendURL,
		healthURL:  healthURL,
		authHeader: "Bearer " + serviceToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// getJSON issues an authenticated GET and decodes the JSON body into out.
func (u *Upstream) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", u.authHeader)

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return apperr.Wrap(apperr.UpstreamTimeout, "Collector timed out", err)
		}
		return apperr.Wrap(apperr.UpstreamUnavailable, "Collector unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.E(apperr.NotFound, "Collector resource not found")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.E(apperr.UpstreamUnavailable,
			fmt.Sprintf("Collector returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Validation, "Collector response malformed", err)
	}
	return nil
}

// isTimeout reports whether err is a client-side timeout, which the
// http.Client surfaces as a url.Error rather than context.DeadlineExceeded.
func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// loadLayoutResponse is the legacy single-tenant layout shape.
type loadLayoutResponse struct {
	Exists bool `json:"exists"`
	Layout struct {
		Root LayoutNode `json:"root"`
	} `json:"layout"`
}

// tenantLayoutResponse is the tenant-scoped shape.
type tenantLayoutResponse struct {
	LayoutData *Layout `json:"layout_data"`
}

// FetchLayout returns the tenant's layout, or nil when the tenant has none.
// networkID 0 requests the legacy single-tenant layout.
func (u *Upstream) FetchLayout(ctx context.Context, networkID int64) (*Layout, error) {
	if networkID == 0 {
		var resp loadLayoutResponse
		if err := u.getJSON(ctx, u.backendURL+"/api/load-layout", &resp); err != nil {
			return nil, err
		}
		if !resp.Exists {
			return nil, nil
		}
		return &Layout{Root: resp.Layout.Root}, nil
	}

	var resp tenantLayoutResponse
	rawURL := fmt.Sprintf("%s/api/networks/%d/layout", u.backendURL, networkID)
	err := u.getJSON(ctx, rawURL, &resp)
	if apperr.KindOf(err) == apperr.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.LayoutData, nil
}

// FetchAllNetworkIDs enumerates tenants from the backend. An empty list
// switches the publisher into legacy single-tenant mode.
func (u *Upstream) FetchAllNetworkIDs(ctx context.Context) ([]int64, error) {
	var resp struct {
		NetworkIDs []int64 `json:"network_ids"`
	}
	if err := u.getJSON(ctx, u.backendURL+"/api/networks/ids", &resp); err != nil {
		return nil, err
	}
	return resp.NetworkIDs, nil
}

// FetchCachedHealth returns the collector's per-device health map keyed by IP.
func (u *Upstream) FetchCachedHealth(ctx context.Context) (map[string]HealthRecord, error) {
	out := map[string]HealthRecord{}
	if err := u.getJSON(ctx, u.healthURL+"/api/health/cached", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// gatewayTestIPsResponse maps gateway IP to its probe targets.
type gatewayTestIPsResponse map[string]struct {
	TestIPs []TestIPMetrics `json:"test_ips"`
}

// FetchGatewayMetrics returns per-gateway probe-IP metrics. The metrics
// route is preferred; 404 falls back to the plain /all route.
func (u *Upstream) FetchGatewayMetrics(ctx context.Context) (map[string][]TestIPMetrics, error) {
	var resp gatewayTestIPsResponse
	err := u.getJSON(ctx, u.healthURL+"/api/health/gateway/test-ips/all/metrics", &resp)
	if apperr.KindOf(err) == apperr.NotFound {
		err = u.getJSON(ctx, u.healthURL+"/api/health/gateway/test-ips/all", &resp)
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string][]TestIPMetrics, len(resp))
	for gateway, v := range resp {
		out[gateway] = v.TestIPs
	}
	return out, nil
}

// FetchSpeedTests returns the latest speed test per gateway IP.
func (u *Upstream) FetchSpeedTests(ctx context.Context) (map[string]SpeedTestResult, error) {
	out := map[string]SpeedTestResult{}
	if err := u.getJSON(ctx, u.healthURL+"/api/health/speedtest/all", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MonitoringStatus is the collector's monitoring flags.
type MonitoringStatus struct {
	Enabled   bool `json:"enabled"`
	Paused    bool `json:"paused"`
	DeviceCnt int  `json:"device_count"`
}

// FetchMonitoringStatus returns the collector's monitoring flags.
func (u *Upstream) FetchMonitoringStatus(ctx context.Context) (*MonitoringStatus, error) {
	var out MonitoringStatus
	if err := u.getJSON(ctx, u.healthURL+"/api/health/monitoring/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
