// Package httpapi is the authenticated HTTP surface shared by the services.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/netsight-io/netsight/internal/apperr"
)

// renderJSON writes a JSON response body with the given status.
func renderJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// renderError writes the uniform {"detail": ...} error shape with the
// status mapped from the error's kind.
func renderError(w http.ResponseWriter, err error) {
	if retry := apperr.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
	renderJSON(w, apperr.StatusOf(err), map[string]string{"detail": apperr.DetailOf(err)})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.Validation, "Request body is not valid JSON", err)
	}
	return nil
}
