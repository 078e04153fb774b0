// Package control implements the Control API: an HTTP surface over the
// Scheduler/Host's command set (StartWorkflow, Suspend/Resume/
// TerminateWorkflow, PublishEvent, GetWorkflowStatus, ListWorkflowInstances,
// GetWorkflowInstance, HealthCheck, Metrics), built on a
// chi-router-plus-middleware shape.
package control

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowhost/wfengine/scheduler"
)

// Server is the HTTP Control API, wrapping a chi.Router over a
// scheduler.Host.
type Server struct {
	router *chi.Mux
	host   *scheduler.Host
	log    *zap.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the zero-value no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithCORS installs a CORS middleware allowing the given origins. Pass no
// origins to skip CORS entirely (the default).
func WithCORS(allowedOrigins ...string) Option {
	return func(s *Server) {
		if len(allowedOrigins) == 0 {
			return
		}
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

// NewServer builds a Control API server over host.
func NewServer(host *scheduler.Host, opts ...Option) *Server {
	s := &Server{router: chi.NewRouter(), host: host, log: zap.NewNop()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.accessLog)
	s.routes()
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler, e.g. with
// http.ListenAndServe or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleStartWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{instanceID}", s.handleGetWorkflow)
		r.Post("/{instanceID}/suspend", s.handleSuspend)
		r.Post("/{instanceID}/resume", s.handleResume)
		r.Post("/{instanceID}/terminate", s.handleTerminate)
	})

	s.router.Post("/events", s.handlePublishEvent)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
