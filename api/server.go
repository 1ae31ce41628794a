// Package api exposes the routine management REST surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse/contracts"
	"github.com/opspulse/opspulse/internal/scheduler"
)

// requestTimeout bounds a whole request, probe included.
const requestTimeout = 60 * time.Second

// Server carries the handler dependencies and the assembled router.
type Server struct {
	store    contracts.RoutineStore
	manual   *scheduler.ManualRunner
	auth     Authenticator
	validate *validator.Validate
	clock    contracts.Clock
	logger   *zap.Logger
	router   chi.Router
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithClock substitutes the wall clock used for routine creation.
func WithClock(c contracts.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// NewServer assembles the REST surface. registry backs /metrics; pass
// the same registry the scheduler metrics are registered on.
func NewServer(store contracts.RoutineStore, manual *scheduler.ManualRunner, auth Authenticator, registry *prometheus.Registry, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:    store,
		manual:   manual,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    contracts.SystemClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(noStore)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/routines", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.handleCreateRoutine)
		r.Get("/", s.handleListRoutines)
		r.Get("/{id}", s.handleGetRoutine)
		r.Patch("/{id}", s.handleUpdateRoutine)
		r.Delete("/{id}", s.handleDeleteRoutine)
		r.Post("/{id}/run", s.handleManualRun)
		r.Get("/{id}/runs", s.handleListRuns)
	})

	s.router = r
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// noStore disables response caching; routine and run payloads are
// per-tenant and time-sensitive.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
