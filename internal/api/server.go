// Package api serves the Vigil HTTP surface: signal ingestion, dashboard
// reads, model administration and the live event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/facilityops/vigil/internal/baseline"
	"github.com/facilityops/vigil/internal/broadcast"
	"github.com/facilityops/vigil/internal/collector"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/training"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, col *collector.Collector, hub *broadcast.Hub, trainer *training.Pipeline, tuner *baseline.Tuner, perms domain.PermissionChecker, version string) *Server {
	handler := NewHandler(repo, cache, bus, col, hub, trainer, tuner, perms, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Signal ingestion
		r.Post("/signals", handler.IngestSignal)
		r.Post("/signals/batch", handler.IngestBatch)
		r.Get("/signals/{id}", handler.GetSignal)
		r.Get("/collect/report", handler.CollectReport)
		r.Get("/collect/signals", handler.CollectSignals)

		// Incidents
		r.Get("/incidents", handler.ListIncidents)
		r.Get("/incidents/{id}", handler.GetIncident)

		// Fraud predictions and outcome feedback
		r.Get("/predictions", handler.ListPredictions)
		r.Post("/predictions/{id}/label", handler.LabelPrediction)

		// Escalation tickets
		r.Get("/tickets", handler.ListTickets)

		// Dashboard aggregates and live stream
		r.Get("/trends", handler.Trends)
		r.Get("/subjects/{id}/velocity", handler.SubjectVelocity)
		r.Get("/stream", handler.Stream)

		// Model registry
		r.Get("/models", handler.ListModels)
		r.Post("/models/{version}/activate", handler.ActivateModel)

		// Offline jobs
		r.Post("/training/run", handler.RunTraining)
		r.Post("/baseline/tune", handler.RunTuning)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
