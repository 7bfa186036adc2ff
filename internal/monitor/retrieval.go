package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"hermes/internal/types"
)

// Mode selects how much of a monitor's history Get returns.
type Mode string

const (
	ModeSummary Mode = "summary"
	ModeDetails Mode = "details"
	ModeFull    Mode = "full"
)

// ParseMode validates a mode string. An empty string selects summary.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSummary, nil
	case ModeSummary, ModeDetails, ModeFull:
		return m, nil
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidConfig,
		fmt.Sprintf("unknown mode %q; use summary, details or full", s), nil,
		map[string]any{"field": "mode"})
}

// MonitorView is the configuration metadata shown in summary and details.
// Header values are redacted.
type MonitorView struct {
	ConfigID        string       `json:"config_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Method          string       `json:"method"`
	URL             string       `json:"url"`
	Params          types.Fields `json:"params,omitempty"`
	Headers         types.Fields `json:"headers,omitempty"`
	IsActive        bool         `json:"is_active"`
	IntervalMinutes float64      `json:"interval_minutes,omitempty"`
	StartAt         *time.Time   `json:"start_at,omitempty"`
	StopAt          *time.Time   `json:"stop_at,omitempty"`
	NextCallAt      *time.Time   `json:"next_call_at,omitempty"`
}

// Progress counts the calls made so far against the calls the window allows.
type Progress struct {
	types.ResultStats
	ExpectedTotalCalls int `json:"expected_total_calls"`
}

// ResultSummary is a result reduced for the summary view.
type ResultSummary struct {
	CalledAt     time.Time `json:"called_at"`
	IsSuccessful bool      `json:"is_successful"`
	StatusCode   *int      `json:"status_code,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	Excerpt      string    `json:"excerpt"`
}

// Projection is the response of Get. Which fields are set depends on Mode.
type Projection struct {
	Mode     Mode                 `json:"mode"`
	Monitor  *MonitorView         `json:"monitor,omitempty"`
	Config   *types.MonitorConfig `json:"config,omitempty"`
	Progress *Progress            `json:"progress,omitempty"`
	Recent   []ResultSummary      `json:"recent_results,omitempty"`
	Results  []types.PollResult   `json:"results,omitempty"`
}

// ConfigReader loads a configuration by id.
type ConfigReader interface {
	GetByID(ctx context.Context, configID string) (*types.MonitorConfig, error)
}

// ResultReader reads stored results.
type ResultReader interface {
	ListRecent(ctx context.Context, configID string, limit int) ([]types.PollResult, error)
	ListAll(ctx context.Context, configID string) ([]types.PollResult, error)
	Stats(ctx context.Context, configID string) (types.ResultStats, error)
}

// KeyVerifier checks a tenant key against a stored hash.
type KeyVerifier interface {
	Verify(hash, key string) error
}

// Retrieval serves the read side of a monitor. It never writes.
type Retrieval struct {
	configs      ConfigReader
	results      ResultReader
	keys         KeyVerifier
	summaryLimit int
	excerptChars int
	logger       *slog.Logger
}

// NewRetrieval creates a Retrieval. Non-positive limits fall back to 10
// recent results and 200-character excerpts.
func NewRetrieval(configs ConfigReader, results ResultReader, keys KeyVerifier, summaryLimit, excerptChars int, logger *slog.Logger) *Retrieval {
	if summaryLimit <= 0 {
		summaryLimit = 10
	}
	if excerptChars <= 0 {
		excerptChars = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrieval{
		configs:      configs,
		results:      results,
		keys:         keys,
		summaryLimit: summaryLimit,
		excerptChars: excerptChars,
		logger:       logger,
	}
}

// Get returns the projection of configID in the given mode after checking
// that tenantKey owns it.
func (r *Retrieval) Get(ctx context.Context, configID, tenantKey string, mode Mode) (*Projection, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}

	cfg, err := r.configs.GetByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if err := r.keys.Verify(cfg.TenantKeyHash, tenantKey); err != nil {
		return nil, err
	}

	switch mode {
	case ModeDetails:
		return r.details(ctx, cfg)
	case ModeFull:
		return r.full(ctx, cfg)
	default:
		return r.summary(ctx, cfg)
	}
}

func (r *Retrieval) summary(ctx context.Context, cfg *types.MonitorConfig) (*Projection, error) {
	stats, err := r.results.Stats(ctx, cfg.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading result stats: %w", err)
	}
	recent, err := r.results.ListRecent(ctx, cfg.ConfigID, r.summaryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading recent results: %w", err)
	}

	out := make([]ResultSummary, 0, len(recent))
	for _, res := range recent {
		text := res.ResponsePayload.Text()
		if !res.IsSuccessful && res.ErrorMessage != nil {
			text = *res.ErrorMessage
		}
		out = append(out, ResultSummary{
			CalledAt:     res.CalledAt,
			IsSuccessful: res.IsSuccessful,
			StatusCode:   res.StatusCode,
			LatencyMS:    res.LatencyMS,
			Excerpt:      excerpt(text, r.excerptChars),
		})
	}

	start, stop := cfg.StartAt, cfg.StopAt
	return &Projection{
		Mode: ModeSummary,
		Monitor: &MonitorView{
			ConfigID:        cfg.ConfigID,
			Name:            cfg.Name,
			Description:     cfg.Description,
			Method:          string(cfg.Method),
			URL:             cfg.TargetURL(),
			Params:          cfg.RequestParams(),
			Headers:         cfg.Headers.Redacted(),
			IsActive:        cfg.IsActive,
			IntervalMinutes: cfg.IntervalMinutes,
			StartAt:         &start,
			StopAt:          &stop,
			NextCallAt:      cfg.NextFireAt,
		},
		Progress: &Progress{ResultStats: stats, ExpectedTotalCalls: ExpectedCalls(cfg)},
		Recent:   out,
	}, nil
}

func (r *Retrieval) details(ctx context.Context, cfg *types.MonitorConfig) (*Projection, error) {
	all, err := r.results.ListAll(ctx, cfg.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	return &Projection{
		Mode: ModeDetails,
		Monitor: &MonitorView{
			ConfigID: cfg.ConfigID,
			Name:     cfg.Name,
			Method:   string(cfg.Method),
			URL:      cfg.TargetURL(),
			IsActive: cfg.IsActive,
		},
		Results: all,
	}, nil
}

func (r *Retrieval) full(ctx context.Context, cfg *types.MonitorConfig) (*Projection, error) {
	stats, err := r.results.Stats(ctx, cfg.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading result stats: %w", err)
	}
	all, err := r.results.ListAll(ctx, cfg.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	return &Projection{
		Mode:     ModeFull,
		Config:   cfg,
		Progress: &Progress{ResultStats: stats, ExpectedTotalCalls: ExpectedCalls(cfg)},
		Results:  all,
	}, nil
}

// ExpectedCalls is the number of boundaries first + k*interval that fall
// before stop_at, where first is the first boundary of the latest activation
// (start_at for a configuration never activated).
func ExpectedCalls(cfg *types.MonitorConfig) int {
	interval := cfg.Interval()
	first := cfg.StartAt
	if cfg.FirstFireAt != nil && cfg.FirstFireAt.After(first) {
		first = *cfg.FirstFireAt
	}
	window := cfg.StopAt.Sub(first)
	if interval <= 0 || window <= 0 {
		return 0
	}
	return int(math.Ceil(float64(window) / float64(interval)))
}

// excerpt returns the first n characters of s, marking a cut with "...".
func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
