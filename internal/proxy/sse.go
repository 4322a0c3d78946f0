package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StreamSSE opens a streaming upstream request and pipes the body to the
// client as server-sent events. A failure mid-stream is reported to the
// client as a final error frame instead of a truncated silence.
func (p *Proxy) StreamSSE(w http.ResponseWriter, r *http.Request, path string, opts Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("proxy: response writer does not support streaming"))
		return
	}

	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	// The long client still applies its overall timeout; the request
	// context ends the upstream call the moment the client disconnects.
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	copyHeaders(req, r, opts)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.long.Do(req)
	if err != nil {
		writeError(w, translateTransportError(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		writeError(w, translateStatus(resp))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client gone; the deferred close frees the upstream.
				return
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("SSE upstream read failed")
			p.writeSSEError(w, flusher, err)
			return
		}
	}
}

// writeSSEError emits a final data frame describing the failure.
func (p *Proxy) writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	payload, merr := json.Marshal(map[string]string{
		"type":  "error",
		"error": err.Error(),
	})
	if merr != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
