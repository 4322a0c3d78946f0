// Package proxy forwards authenticated requests to downstream services,
// translating their failures into the edge's error vocabulary.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/store"
)

const (
	defaultTimeout = 30 * time.Second

	// Chat and speed test endpoints stream slowly on purpose.
	longTimeout = 120 * time.Second
)

// RoleGuard is the minimum role a route requires.
type RoleGuard int

const (
	GuardAny RoleGuard = iota
	GuardWrite
	GuardOwner
)

// Allows reports whether a role clears the guard.
func (g RoleGuard) Allows(role store.Role) bool {
	switch g {
	case GuardAny:
		return true
	case GuardWrite:
		return role == store.RoleOwner || role == store.RoleAdmin
	case GuardOwner:
		return role == store.RoleOwner
	default:
		return false
	}
}

// Proxy forwards requests to one downstream base URL.
type Proxy struct {
	baseURL string
	client  *http.Client
	long    *http.Client
	logger  zerolog.Logger
}

func New(baseURL string, logger zerolog.Logger) *Proxy {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Proxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout, Transport: transport},
		long:    &http.Client{Timeout: longTimeout, Transport: transport},
		logger:  logger.With().Str("component", "proxy").Logger(),
	}
}

// Options tunes one forwarded call.
type Options struct {
	// Long selects the 120 s timeout class.
	Long bool
	// PassAuthorization forwards the caller's Authorization header.
	PassAuthorization bool
	// Identity, when set, is injected as X-User-Id / X-Username.
	Identity *identity.Claims
}

// Forward relays the request to the downstream path and writes the
// translated response.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, path string, opts Options) {
	client := p.client
	if opts.Long {
		client = p.long
	}

	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "Failed to build upstream request", err))
		return
	}
	copyHeaders(req, r, opts)

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("error", time.Since(started))
		writeError(w, translateTransportError(err))
		return
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(statusClass(resp.StatusCode), time.Since(started))

	if resp.StatusCode >= 400 {
		writeError(w, translateStatus(resp))
		return
	}

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func copyHeaders(req *http.Request, r *http.Request, opts Options) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if opts.PassAuthorization {
		if auth := r.Header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}
	if opts.Identity != nil {
		req.Header.Set("X-User-Id", strconv.FormatInt(opts.Identity.UserID(), 10))
		req.Header.Set("X-Username", opts.Identity.Username)
	}
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// translateTransportError maps client-side failures to 503/504.
func translateTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return apperr.Wrap(apperr.UpstreamTimeout, "Upstream service timed out", err)
	}
	return apperr.Wrap(apperr.UpstreamUnavailable, "Upstream service unavailable", err)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// translateStatus maps a downstream error response into the edge
// vocabulary, mirroring the body's detail where parseable.
func translateStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return apperr.RateLimitedErr(extractDetail(body, "Daily chat limit exceeded"), retryAfter)
	case http.StatusUnauthorized:
		return apperr.E(apperr.NotAuthenticated, extractDetail(body, "Not authenticated"))
	case http.StatusForbidden:
		return apperr.E(apperr.Forbidden, extractDetail(body, "Forbidden"))
	case http.StatusNotFound:
		return apperr.E(apperr.NotFound, extractDetail(body, "Not found"))
	default:
		// Unlisted statuses are mirrored as-is with the extracted detail.
		detail := extractDetail(body, fmt.Sprintf("Upstream returned %d", resp.StatusCode))
		kind := apperr.Validation
		if resp.StatusCode >= 500 {
			kind = apperr.UpstreamUnavailable
		}
		return apperr.Mirror(kind, resp.StatusCode, detail)
	}
}

// extractDetail pulls "detail" (or "error"/"message") out of a JSON body.
func extractDetail(body []byte, fallback string) string {
	var parsed struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Detail != "":
			return parsed.Detail
		case parsed.Error != "":
			return parsed.Error
		case parsed.Message != "":
			return parsed.Message
		}
	}
	return fallback
}

// writeError renders an apperr as {"detail": ...} with its status.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	if retry := apperr.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": apperr.DetailOf(err)})
}
