// Package core provides the API chassis for Hermes. It builds a chi router,
// applies the cross-cutting middleware (panic recovery, request ids,
// logging, metrics, tenant key extraction) and renders the shared JSON
// envelopes before requests reach the monitor handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hermes/internal/config"
)

// MetricsCollector records API telemetry. telemetry.Recorder satisfies it.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. They are set by the
	// entry point so core never imports handler packages.
	V1RouteRegistrars []func(r chi.Router)

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	closers []func() error
	router  *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. Routes are attached by MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown, in reverse registration
// order.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases resources registered with OnShutdown. Every closer runs
// even if an earlier one fails; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.ErrorContext(ctx, "error during shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutting down server: %w", errors.Join(errs...))
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
