package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/ratelimit"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyOwner
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func ownerFrom(ctx context.Context) string {
	if owner, ok := ctx.Value(ctxKeyOwner).(string); ok {
		return owner
	}
	return ""
}

// withRequestID stamps a per-request uuid on the context; error payloads
// echo it back so clients can quote it when reporting a failure.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogging logs one line per request with route, status, and
// duration, as structured zerolog lines. Requests carrying
// an owner (X-Track-ID) log through a WithOwner-scoped logger instead of
// the plain component logger, so an operator grepping by owner finds
// both the allocation decision and the HTTP access line.
func requestLogging(next http.Handler) http.Handler {
	component := log.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)
		route := r.Method + " " + r.URL.Path
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		logger := component
		if owner := r.Header.Get("X-Track-ID"); owner != "" {
			logger = log.WithOwner(owner)
		}
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// bearerAuth enforces Authorization: Bearer <token> against a single
// expected token. An empty expected token disables the check, which keeps
// local development runnable without minting credentials.
func bearerAuth(expectedToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token != expectedToken {
				writeJSON(w, http.StatusUnauthorized, map[string]errorBody{
					"error": {Code: "UNAUTHORIZED", Message: "missing or invalid bearer token", RequestID: requestIDFrom(r.Context())},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireOwner extracts X-Track-ID (the sandbox owner identity) from the
// request and rejects requests missing it.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-Track-ID")
		if owner == "" {
			writeJSON(w, http.StatusBadRequest, map[string]errorBody{
				"error": {Code: "MISSING_TRACK_ID", Message: "X-Track-ID header is required", RequestID: requestIDFrom(r.Context())},
			})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOwner, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit throttles by owner (falling back to remote address), via the
// shared token-bucket Limiter.
func rateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Track-ID")
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiter.Allow(key) {
				writeJSON(w, http.StatusTooManyRequests, map[string]errorBody{
					"error": {Code: "RATE_LIMITED", Message: "too many requests", RequestID: requestIDFrom(r.Context())},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors applies a static allow-list of origins. No CORS library appears
// anywhere in the retrieved example pack, so this is a deliberate
// stdlib-only exception — see DESIGN.md.
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Track-ID, Idempotency-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
