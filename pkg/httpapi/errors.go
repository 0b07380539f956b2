package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sandboxbroker/broker/pkg/broker"
	"github.com/sandboxbroker/broker/pkg/storage"
)

// errorBody is the wire shape of every error response: a machine-readable
// code, a human message, and the request id for correlating with logs.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	RetryAfter int   `json:"retry_after,omitempty"`
}

// statusFor maps the broker's sentinel errors to HTTP status codes and
// machine-readable codes. The core knows nothing about HTTP; this table
// is the only place the translation happens.
func statusFor(err error) (int, string, int) {
	switch {
	case errors.Is(err, broker.ErrNoSandboxesAvailable):
		return http.StatusConflict, "NO_SANDBOXES_AVAILABLE", 30
	case errors.Is(err, broker.ErrNotOwner):
		return http.StatusForbidden, "NOT_SANDBOX_OWNER", 0
	case errors.Is(err, broker.ErrAllocationExpired):
		return http.StatusForbidden, "ALLOCATION_EXPIRED", 0
	case errors.Is(err, broker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 30
	case errors.Is(err, broker.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", 5
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "SANDBOX_NOT_FOUND", 0
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", 0
	}
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	status, code, retryAfter := statusFor(err)
	writeJSON(w, status, map[string]errorBody{
		"error": {
			Code:       code,
			Message:    err.Error(),
			RequestID:  requestID,
			RetryAfter: retryAfter,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
