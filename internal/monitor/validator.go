// Package monitor holds the tenant-facing operations on monitor
// configurations: validating a draft with a trial call, and reading back the
// results of an active monitor.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"hermes/internal/external"
	"hermes/internal/security"
	"hermes/internal/types"
)

// Draft is a configuration as submitted for validation.
type Draft struct {
	Name             string       `json:"name" validate:"required,max=200"`
	Description      string       `json:"description" validate:"max=2000"`
	Method           string       `json:"method" validate:"required,http_method"`
	BaseURL          string       `json:"base_url" validate:"required"`
	Endpoint         string       `json:"endpoint"`
	Params           types.Fields `json:"params"`
	Headers          types.Fields `json:"headers"`
	AdditionalParams types.Fields `json:"additional_params"`
	// ParamLines and HeaderLines accept the "key: value" per-line form.
	// Structured Params and Headers win on conflicting keys.
	ParamLines      string     `json:"param_lines"`
	HeaderLines     string     `json:"header_lines"`
	IntervalMinutes *float64   `json:"interval_minutes"`
	StartAt         *time.Time `json:"start_at"`
	StopAt          *time.Time `json:"stop_at"`
	StopAfterHours  *float64   `json:"stop_after_hours"`
}

// ValidationResult is returned for a draft that passed its trial call.
type ValidationResult struct {
	ConfigID        string        `json:"config_id"`
	Message         string        `json:"message"`
	SampleResponse  types.Payload `json:"sample_response"`
	StatusCode      int           `json:"status_code"`
	LatencyMS       int64         `json:"latency_ms"`
	StartAt         time.Time     `json:"start_at"`
	StopAt          time.Time     `json:"stop_at"`
	IntervalMinutes float64       `json:"interval_minutes"`
}

// Limits bounds what a draft may ask for.
type Limits struct {
	MinIntervalMinutes     float64
	MaxIntervalMinutes     float64
	DefaultIntervalMinutes float64
	MaxWindow              time.Duration
	DefaultWindow          time.Duration
	StartSkew              time.Duration
	CallTimeout            time.Duration
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MinIntervalMinutes:     types.MinIntervalMinutes,
		MaxIntervalMinutes:     types.MaxIntervalMinutes,
		DefaultIntervalMinutes: types.DefaultIntervalMinutes,
		MaxWindow:              types.MaxWindowHours * time.Hour,
		DefaultWindow:          types.DefaultWindowHours * time.Hour,
		StartSkew:              time.Minute,
		CallTimeout:            30 * time.Second,
	}
}

// ConfigCreator persists a validated configuration.
type ConfigCreator interface {
	Create(ctx context.Context, c *types.MonitorConfig) error
}

// Caller executes one request against a target API.
type Caller interface {
	Do(req *http.Request) (*external.TargetResponse, error)
}

// HostChecker rejects destinations the poller may not reach.
type HostChecker interface {
	CheckHost(ctx context.Context, host string) error
}

// KeyHasher produces the stored form of a tenant key.
type KeyHasher interface {
	Hash(key string) (string, error)
}

// ValidationRecorder counts trial call outcomes.
type ValidationRecorder interface {
	RecordValidation(ctx context.Context, successful bool)
}

// ValidatorDeps wires a Validator.
type ValidatorDeps struct {
	Store  ConfigCreator
	Caller Caller
	// Hosts may be nil, in which case only the transport guards the call.
	Hosts  HostChecker
	Keys   KeyHasher
	Limits Limits
	Clock  types.Clock
	Logger *slog.Logger
	// Metrics is optional.
	Metrics ValidationRecorder
	// NewID overrides config id generation.
	NewID func() string
}

// Validator checks a draft, performs the trial call and stores the
// configuration inactive.
type Validator struct {
	store   ConfigCreator
	caller  Caller
	hosts   HostChecker
	keys    KeyHasher
	limits  Limits
	clock   types.Clock
	logger  *slog.Logger
	metrics ValidationRecorder
	newID   func() string
}

// NewValidator creates a Validator.
func NewValidator(d ValidatorDeps) *Validator {
	v := &Validator{
		store:   d.Store,
		caller:  d.Caller,
		hosts:   d.Hosts,
		keys:    d.Keys,
		limits:  d.Limits,
		clock:   d.Clock,
		logger:  d.Logger,
		metrics: d.Metrics,
		newID:   d.NewID,
	}
	if v.clock == nil {
		v.clock = types.RealClock{}
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.newID == nil {
		v.newID = func() string { return "cfg_" + uuid.NewString() }
	}
	return v
}

// Validate runs the trial call for draft and, when it succeeds with a 2xx
// answer, stores a new inactive configuration owned by tenantKey. Nothing
// is stored on failure.
func (v *Validator) Validate(ctx context.Context, tenantKey string, d Draft) (*ValidationResult, error) {
	if tenantKey == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	now := v.clock.Now().UTC()

	cfg, err := v.normalize(d, now)
	if err != nil {
		return nil, err
	}

	if v.hosts != nil {
		if err := v.hosts.CheckHost(ctx, hostOf(cfg.BaseURL)); err != nil {
			return nil, mapHostError(err)
		}
	}

	callCtx := ctx
	if v.limits.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.limits.CallTimeout)
		defer cancel()
	}
	req, err := BuildRequest(callCtx, SpecFor(cfg))
	if err != nil {
		return nil, invalid(err.Error(), nil)
	}

	resp, err := v.caller.Do(req)
	if v.metrics != nil {
		v.metrics.RecordValidation(ctx, err == nil && resp.OK())
	}
	if err != nil {
		v.logger.InfoContext(ctx, "trial call failed", "url", cfg.TargetURL(), "error", err)
		if types.IsCode(err, types.ErrCodeValidationBlockedAddress) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidConfig,
				"destination address is not allowed", err, map[string]any{"field": "base_url"})
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamUnreachable,
			fmt.Sprintf("trial call to %s failed", cfg.TargetURL()), err)
	}
	if !resp.OK() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("trial call returned status %d", resp.StatusCode), nil,
			map[string]any{
				"status_code": resp.StatusCode,
				"body":        excerpt(types.PayloadFromBody(resp.Body).Text(), 500),
			})
	}

	hash, err := v.keys.Hash(tenantKey)
	if err != nil {
		return nil, err
	}
	cfg.ConfigID = v.newID()
	cfg.TenantKeyHash = hash
	if err := v.store.Create(ctx, cfg); err != nil {
		return nil, fmt.Errorf("storing configuration: %w", err)
	}

	v.logger.InfoContext(ctx, "configuration validated",
		"config_id", cfg.ConfigID,
		"method", string(cfg.Method),
		"status_code", resp.StatusCode,
	)

	return &ValidationResult{
		ConfigID:        cfg.ConfigID,
		Message:         fmt.Sprintf("API call validated and stored for %q", cfg.Name),
		SampleResponse:  types.PayloadFromBody(resp.Body),
		StatusCode:      resp.StatusCode,
		LatencyMS:       resp.Latency.Milliseconds(),
		StartAt:         cfg.StartAt,
		StopAt:          cfg.StopAt,
		IntervalMinutes: cfg.IntervalMinutes,
	}, nil
}

// normalize checks every draft field and builds the configuration to store.
func (v *Validator) normalize(d Draft, now time.Time) (*types.MonitorConfig, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, invalid("name is required", map[string]any{"field": "name"})
	}
	if len(name) > types.MaxNameLength {
		return nil, invalid(fmt.Sprintf("name exceeds %d characters", types.MaxNameLength), map[string]any{"field": "name"})
	}
	if len(d.Description) > types.MaxDescriptionLength {
		return nil, invalid(fmt.Sprintf("description exceeds %d characters", types.MaxDescriptionLength), map[string]any{"field": "description"})
	}

	method, ok := types.ParseHTTPMethod(d.Method)
	if !ok {
		return nil, invalid("method must be one of GET, POST, PUT, DELETE, PATCH", map[string]any{"field": "method"})
	}

	baseURL := strings.TrimSpace(d.BaseURL)
	if _, err := types.ValidateTargetURL(baseURL); err != nil {
		return nil, invalid("base_url must be an absolute http or https URL", map[string]any{"field": "base_url"})
	}

	interval := v.limits.DefaultIntervalMinutes
	if d.IntervalMinutes != nil {
		interval = *d.IntervalMinutes
	}
	if math.IsNaN(interval) || interval <= 0 || interval < v.limits.MinIntervalMinutes || interval > v.limits.MaxIntervalMinutes {
		return nil, invalid(fmt.Sprintf("interval_minutes must be between %g and %g",
			v.limits.MinIntervalMinutes, v.limits.MaxIntervalMinutes), map[string]any{"field": "interval_minutes"})
	}

	start := now
	if d.StartAt != nil {
		start = d.StartAt.UTC()
		if start.Before(now.Add(-v.limits.StartSkew)) {
			return nil, invalid("start_at cannot be in the past", map[string]any{"field": "start_at"})
		}
	}

	var stop time.Time
	switch {
	case d.StopAt != nil && d.StopAfterHours != nil:
		return nil, invalid("set either stop_at or stop_after_hours, not both", map[string]any{"field": "stop_at"})
	case d.StopAt != nil:
		stop = d.StopAt.UTC()
	case d.StopAfterHours != nil:
		hours := *d.StopAfterHours
		if math.IsNaN(hours) || hours <= 0 {
			return nil, invalid("stop_after_hours must be positive", map[string]any{"field": "stop_after_hours"})
		}
		stop = start.Add(time.Duration(hours * float64(time.Hour)))
	default:
		stop = start.Add(v.limits.DefaultWindow)
	}
	if err := types.ValidateWindow(start, stop, v.limits.MaxWindow); err != nil {
		return nil, invalid(strings.TrimPrefix(err.Error(), string(types.ErrCodeValidationTimeWindow)+": "),
			map[string]any{"field": "stop_at"})
	}

	params := ParseLines(d.ParamLines).Merge(d.Params)
	headers := ParseLines(d.HeaderLines).Merge(d.Headers)

	return &types.MonitorConfig{
		Name:             name,
		Description:      d.Description,
		Method:           method,
		BaseURL:          baseURL,
		Endpoint:         strings.TrimSpace(d.Endpoint),
		Params:           params,
		Headers:          headers,
		AdditionalParams: d.AdditionalParams,
		IntervalMinutes:  interval,
		StartAt:          start,
		StopAt:           stop,
	}, nil
}

func invalid(msg string, details map[string]any) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidConfig, msg, nil, details)
}

func mapHostError(err error) error {
	if errors.Is(err, security.ErrBlockedAddress) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidConfig,
			"destination address is not allowed", err, map[string]any{"field": "base_url"})
	}
	return types.NewAppError(types.ErrCodeUpstreamUnreachable, "target host could not be resolved", err)
}

func hostOf(raw string) string {
	u, err := types.ValidateTargetURL(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
