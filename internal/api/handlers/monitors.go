// Package handlers contains the HTTP handlers of the Hermes API.
//
// monitors.go covers the monitor lifecycle:
//   - validate a draft with a trial call and store it inactive
//   - activate and deactivate polling
//   - read results in summary, details or full mode
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hermes/internal/core"
	"hermes/internal/monitor"
	"hermes/internal/scheduler"
)

// --- Service Interfaces ---

// DraftValidator runs the trial call and persists a configuration.
// Implemented by monitor.Validator.
type DraftValidator interface {
	Validate(ctx context.Context, tenantKey string, d monitor.Draft) (*monitor.ValidationResult, error)
}

// Activator toggles polling. Implemented by scheduler.Scheduler.
type Activator interface {
	Activate(ctx context.Context, configID, tenantKey string) (*scheduler.Job, error)
	Deactivate(ctx context.Context, configID, tenantKey string) error
}

// ResultGetter projects a configuration's results. Implemented by
// monitor.Retrieval.
type ResultGetter interface {
	Get(ctx context.Context, configID, tenantKey string, mode monitor.Mode) (*monitor.Projection, error)
}

// --- Response Models ---

// ActivationResponse is returned by activate and deactivate.
type ActivationResponse struct {
	ConfigID        string     `json:"config_id"`
	IsActive        bool       `json:"is_active"`
	NextCallAt      *time.Time `json:"next_call_at,omitempty"`
	StopAt          *time.Time `json:"stop_at,omitempty"`
	IntervalMinutes float64    `json:"interval_minutes,omitempty"`
	Message         string     `json:"message"`
}

// --- Handler ---

// MonitorHandler serves /v1/monitors.
type MonitorHandler struct {
	drafts    DraftValidator
	activator Activator
	results   ResultGetter
	validator *core.Validator
	logger    *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(drafts DraftValidator, activator Activator, results ResultGetter, v *core.Validator, logger *slog.Logger) *MonitorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	return &MonitorHandler{
		drafts:    drafts,
		activator: activator,
		results:   results,
		validator: v,
		logger:    logger,
	}
}

// RegisterRoutes mounts the monitor routes on r.
func (h *MonitorHandler) RegisterRoutes(r chi.Router) {
	r.Route("/monitors", func(r chi.Router) {
		r.Post("/validate", h.Validate)

		r.Route("/{config_id}", func(r chi.Router) {
			r.Post("/activate", h.Activate)
			r.Post("/deactivate", h.Deactivate)
			r.Get("/results", h.Results)
		})
	})
}

// Validate handles POST /v1/monitors/validate.
func (h *MonitorHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var draft monitor.Draft
	if err := core.DecodeJSON(w, r, &draft); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(draft); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.drafts.Validate(r.Context(), core.TenantKey(r), draft)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, res)
}

// Activate handles POST /v1/monitors/{config_id}/activate.
func (h *MonitorHandler) Activate(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "config_id")

	job, err := h.activator.Activate(r.Context(), configID, core.TenantKey(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ActivationResponse{
		ConfigID: configID,
		IsActive: true,
		Message:  "monitoring activated",
	}
	if job != nil {
		next, stop := job.NextFireAt, job.StopAt
		resp.NextCallAt = &next
		resp.StopAt = &stop
		resp.IntervalMinutes = job.Interval.Minutes()
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// Deactivate handles POST /v1/monitors/{config_id}/deactivate.
func (h *MonitorHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "config_id")

	if err := h.activator.Deactivate(r.Context(), configID, core.TenantKey(r)); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ActivationResponse{
		ConfigID: configID,
		IsActive: false,
		Message:  "monitoring deactivated",
	})
}

// Results handles GET /v1/monitors/{config_id}/results?mode=summary|details|full.
func (h *MonitorHandler) Results(w http.ResponseWriter, r *http.Request) {
	mode, err := monitor.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	proj, err := h.results.Get(r.Context(), chi.URLParam(r, "config_id"), core.TenantKey(r), mode)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, proj)
}
