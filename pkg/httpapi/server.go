// Package httpapi implements the broker's thin net/http transport: a
// chi router, bearer-auth and CORS middleware, and handlers translating
// pkg/broker's sentinel errors into the status-code table in errors.go.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sandboxbroker/broker/pkg/broker"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/ratelimit"
)

// Config holds the HTTP surface's auth tokens, CORS origins, and the
// shared rate limiter.
type Config struct {
	ClientToken string
	AdminToken  string
	CORSOrigins []string
	RateLimiter *ratelimit.Limiter
}

// Server wires the allocation state machine into an HTTP mux.
type Server struct {
	allocator *broker.Allocator
	releaser  *broker.Releaser
	admin     *broker.Admin
	cfg       Config
	httpSrv   *http.Server
}

func NewServer(addr string, allocator *broker.Allocator, releaser *broker.Releaser, admin *broker.Admin, cfg Config) *Server {
	s := &Server{allocator: allocator, releaser: releaser, admin: admin, cfg: cfg}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withRequestID)
	r.Use(requestLogging)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Route("/v1/sandboxes", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.ClientToken))
		if s.cfg.RateLimiter != nil {
			r.Use(rateLimit(s.cfg.RateLimiter))
		}
		r.With(requireOwner).Post("/allocate", s.handleAllocate)
		r.With(requireOwner).Post("/{id}/release", s.handleRelease)
		r.With(requireOwner).Get("/{id}", s.handleGet)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.AdminToken))
		r.Get("/sandboxes", s.handleAdminList)
		r.Get("/stats", s.handleAdminStats)
		r.Post("/sync", s.handleAdminSync)
		r.Post("/cleanup", s.handleAdminCleanup)
		r.Post("/bulk-delete", s.handleAdminBulkDelete)
		r.Post("/auto-delete-stale", s.handleAdminAutoDeleteStale)
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())

	return r
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or an unrecoverable listen error occurs.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
