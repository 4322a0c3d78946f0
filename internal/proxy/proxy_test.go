package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/store"
)

func newProxy(t *testing.T, handler http.HandlerFunc) *Proxy {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, zerolog.Nop())
}

func doForward(p *Proxy, method, path string, opts Options) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, nil)
	p.Forward(w, r, path, opts)
	return w
}

func detailOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Detail
}

func TestForwardPassesThroughSuccess(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestForwardInjectsIdentityHeaders(t *testing.T) {
	var gotUserID, gotUsername string
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.Header.Get("X-User-Id")
		gotUsername = r.Header.Get("X-Username")
		w.WriteHeader(http.StatusOK)
	})

	claims := &identity.Claims{Username: "alice", Role: string(store.RoleMember)}
	claims.Subject = "42"
	doForward(p, http.MethodGet, "/api/data", Options{Identity: claims})

	assert.Equal(t, "42", gotUserID)
	assert.Equal(t, "alice", gotUsername)
}

func TestForwardTranslates429WithRetryAfter(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"Rate limit exceeded"}`))
	})

	w := doForward(p, http.MethodPost, "/api/chat", Options{Long: true})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", detailOf(t, w))
}

func TestForward429WithoutBodyUsesTypedDetail(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	w := doForward(p, http.MethodPost, "/api/chat", Options{})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Daily chat limit exceeded", detailOf(t, w))
}

func TestForwardMirrors401(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Token expired"}`))
	})

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Token expired", detailOf(t, w))
}

func TestForwardMirrorsErrorDetailFromJSON(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"name is required"}`))
	})

	w := doForward(p, http.MethodPost, "/api/data", Options{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "name is required", detailOf(t, w))
}

func TestForwardMirrorsConflictStatus(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":"already exists"}`))
	})

	w := doForward(p, http.MethodPost, "/api/data", Options{})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already exists", detailOf(t, w))
}

func TestForwardMirrorsServerErrorStatus(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"downstream exploded"}`))
	})

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "downstream exploded", detailOf(t, w))
}

func TestForwardGenericDetailWhenBodyUnparseable(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>nope</html>"))
	})

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, detailOf(t, w), "502")
}

func TestForwardConnectErrorIs503(t *testing.T) {
	p := New("http://127.0.0.1:1", zerolog.Nop())

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoleGuards(t *testing.T) {
	assert.True(t, GuardAny.Allows(store.RoleMember))
	assert.True(t, GuardWrite.Allows(store.RoleAdmin))
	assert.True(t, GuardWrite.Allows(store.RoleOwner))
	assert.False(t, GuardWrite.Allows(store.RoleMember))
	assert.True(t, GuardOwner.Allows(store.RoleOwner))
	assert.False(t, GuardOwner.Allows(store.RoleAdmin))
}

func TestStreamSSEPipesAndFlushes(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			io.WriteString(w, "data: {\"chunk\":true}\n\n")
			flusher.Flush()
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil)
	p.StreamSSE(w, r, "/api/chat/stream", Options{})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, 3, strings.Count(w.Body.String(), "data: "))
}

func TestStreamSSEUpstreamErrorBeforeBodyIsTranslated(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"Rate limit exceeded"}`))
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil)
	p.StreamSSE(w, r, "/api/chat/stream", Options{})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", detailOf(t, w))
}

func TestStreamSSEMidStreamErrorEmitsErrorFrame(t *testing.T) {
	p := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Length", "4096") // promise more than delivered
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"chunk\":1}\n\n")
		flusher.Flush()
		// Hijack and drop the connection to force a mid-stream read error.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil)
	p.StreamSSE(w, r, "/api/chat/stream", Options{})

	body := w.Body.String()
	assert.Contains(t, body, `"chunk":1`)
	assert.Contains(t, body, `"type":"error"`)
}

func TestTimeoutMapsTo504(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()

	p := New(slow.URL, zerolog.Nop())
	p.client.Timeout = 50 * time.Millisecond

	w := doForward(p, http.MethodGet, "/api/data", Options{})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
