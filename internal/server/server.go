// Package server implements the HTTP transport layer of the relay: the
// client-facing protocol endpoints, the admin API and the system routes.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llmrelay/llmrelay/internal/app"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Proxy      *app.ProxyService
	Admin      *app.AdminService
	Rules      *errorrule.Table   // upstream error rewriting
	AdminToken string             // empty disables the admin API
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    http.Handler       // nil = no /metrics route
	Stats      *telemetry.Metrics // nil = no instrumentation
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Stats != nil {
		r.Use(s.instrument)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Client-facing relay endpoints. Authentication happens inside the
	// pipeline so every denial still produces an accounting row.
	r.Post("/v1/messages", s.handleRelay)
	r.Post("/v1/chat/completions", s.handleRelay)
	r.Post("/v1/responses", s.handleRelay)
	r.Post("/v1beta/models/{model}", s.handleRelay)
	r.Post("/v1internal/models/{model}", s.handleRelay)

	// Admin API (static bearer token)
	if deps.AdminToken != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.adminAuth)
			s.mountAdminRoutes(r)
		})
	}

	return r
}

type server struct {
	deps Deps
}

// handleRelay runs the proxy pipeline; a returned error means nothing has
// been written yet and the error response builder owns the reply.
func (s *server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Proxy.Relay(w, r); err != nil {
		s.writeRelayError(w, r, err)
	}
}
