// Package api exposes the Cortex HTTP surface: event ingestion, alert
// and incident triage, policy management, dashboard aggregates, and
// static file scanning.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/api/gateway"
	"github.com/lvonguyen/cortex/internal/ingest"
	"github.com/lvonguyen/cortex/internal/observability"
	"github.com/lvonguyen/cortex/internal/store"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	store     store.Store
	pipeline  *ingest.Pipeline
	limiter   *gateway.RateLimiter
	telemetry *observability.Telemetry
	logger    *zap.Logger
	version   string
}

// NewServer creates the API server. limiter may be nil, in which case
// ingestion is not throttled.
func NewServer(st store.Store, pipeline *ingest.Pipeline, limiter *gateway.RateLimiter, telemetry *observability.Telemetry, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     st,
		pipeline:  pipeline,
		limiter:   limiter,
		telemetry: telemetry,
		logger:    logger,
		version:   version,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if s.telemetry != nil && s.telemetry.Metrics() != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.telemetry != nil && s.telemetry.Metrics() != nil {
		r.Handle("/metrics", s.telemetry.MetricsHandler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			if s.limiter != nil {
				r.With(s.limiter.Middleware()).Post("/ingest", s.handleIngest)
			} else {
				r.Post("/ingest", s.handleIngest)
			}

			r.Get("/", s.handleListEvents)
			r.Get("/alerts", s.handleListAlerts)
			r.Patch("/alerts/{id}/status", s.handleUpdateAlertStatus)
			r.Get("/policies", s.handleListPolicies)
			r.Post("/policies", s.handleCreatePolicy)
			r.Get("/incidents", s.handleListIncidents)
			r.Get("/incidents/{id}", s.handleGetIncident)
		})

		r.Get("/dashboard/stats", s.handleDashboardStats)
		r.Post("/analysis/scan", s.handleScan)
	})

	return r
}

// metricsMiddleware records per-route request counts and latencies,
// labeled by the chi route pattern rather than the raw path.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		m := s.telemetry.Metrics()
		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
