package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/store"
)

// TaskLister reports the tasks of a running kernel.
type TaskLister interface {
	ID() string
	Tasks() []kernel.TaskSummary
}

// Server is the stridek trace API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	store     store.Store
	live      TaskLister // optional; set while a kernel runs in-process
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLiveKernel exposes the tasks of an in-process kernel under /api/v1/live.
func WithLiveKernel(k TaskLister) Option {
	return func(s *Server) {
		s.live = k
	}
}

// New creates a new Server with all routes registered.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		store:     st,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/dispatches", s.handleListDispatches)
				r.Get("/exits", s.handleListExits)
				r.Get("/shares", s.handleTaskShares)
			})
		})

		r.Get("/live/tasks", s.handleLiveTasks)
	})
}
