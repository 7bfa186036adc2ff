package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hermes/internal/db"
	"hermes/internal/external"
	"hermes/internal/monitor"
	"hermes/internal/types"
)

// Store is the configuration store surface used by the scheduler.
// Implemented by db.ConfigRepository.
type Store interface {
	GetByID(ctx context.Context, configID string) (*types.MonitorConfig, error)
	Activate(ctx context.Context, configID string, nextFireAt, now time.Time) (bool, error)
	Deactivate(ctx context.Context, configID string, now time.Time) error
	Retire(ctx context.Context, configID string, now time.Time) (bool, error)
	RetireExpired(ctx context.Context, now time.Time) (int64, error)
	ListActive(ctx context.Context) ([]types.Schedule, error)
	Reschedule(ctx context.Context, configID string, expected *time.Time, next, now time.Time) (bool, error)
	Claim(ctx context.Context, configID string, fireAt time.Time, workerID string, now, leaseUntil time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, configID, workerID string) error
}

// Committer stores a firing's result and advances its schedule atomically.
// Implemented by db.FiringRepository.
type Committer interface {
	Commit(ctx context.Context, res *types.PollResult, next time.Time, keepActive bool, now time.Time) (db.FiringOutcome, error)
}

// Caller executes one request against a target API.
type Caller interface {
	Do(req *http.Request) (*external.TargetResponse, error)
}

// KeyVerifier checks a presented tenant key against a stored hash.
type KeyVerifier interface {
	Verify(hash, key string) error
}

// ResultPublisher announces committed results. Implemented by
// queue.ResultPublisher.
type ResultPublisher interface {
	PublishResult(ctx context.Context, ev types.ResultEvent) error
}

// Metrics is the subset of telemetry.Recorder used by the loop.
type Metrics interface {
	RecordPoll(ctx context.Context, successful bool, latency time.Duration)
	RecordTick(ctx context.Context, duration time.Duration, active int)
	RecordRetired(ctx context.Context, n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordPoll(context.Context, bool, time.Duration) {}
func (nopMetrics) RecordTick(context.Context, time.Duration, int)  {}
func (nopMetrics) RecordRetired(context.Context, int)              {}

// Options tunes the loop.
type Options struct {
	// WorkerID identifies this process in claims. Generated when empty.
	WorkerID     string
	TickInterval time.Duration
	Concurrency  int
	CallTimeout  time.Duration
	ClaimLease   time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval: 30 * time.Second,
		Concurrency:  16,
		CallTimeout:  30 * time.Second,
		ClaimLease:   90 * time.Second,
	}
}

// Deps wires a Scheduler. Publisher and Metrics are optional.
type Deps struct {
	Store     Store
	Firings   Committer
	Caller    Caller
	Keys      KeyVerifier
	Publisher ResultPublisher
	Metrics   Metrics
	Clock     types.Clock
	Logger    *slog.Logger
	// NewResultID overrides result id generation.
	NewResultID func() string
}

// TickReport summarises one pass.
type TickReport struct {
	Due     int
	Fired   int
	Skipped int
	Retired int
	Failed  int
}

// Scheduler drives every active configuration through its boundaries.
type Scheduler struct {
	store     Store
	firings   Committer
	caller    Caller
	keys      KeyVerifier
	publisher ResultPublisher
	metrics   Metrics
	clock     types.Clock
	logger    *slog.Logger
	newID     func() string
	opts      Options

	jobs *JobSet
}

// New creates a Scheduler. Zero option fields take DefaultOptions values.
func New(d Deps, o Options) *Scheduler {
	def := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = def.ClaimLease
	}
	if o.WorkerID == "" {
		o.WorkerID = "worker_" + uuid.NewString()
	}

	s := &Scheduler{
		store:     d.Store,
		firings:   d.Firings,
		caller:    d.Caller,
		keys:      d.Keys,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		clock:     d.Clock,
		logger:    d.Logger,
		newID:     d.NewResultID,
		opts:      o,
		jobs:      NewJobSet(),
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("worker_id", o.WorkerID)
	if s.newID == nil {
		s.newID = func() string { return "res_" + uuid.NewString() }
	}
	return s
}

// Jobs exposes the in-memory job set.
func (s *Scheduler) Jobs() *JobSet { return s.jobs }

// WorkerID returns the claim identity of this process.
func (s *Scheduler) WorkerID() string { return s.opts.WorkerID }

// authorize loads configID and checks that tenantKey owns it.
func (s *Scheduler) authorize(ctx context.Context, configID, tenantKey string) (*types.MonitorConfig, error) {
	if tenantKey == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	cfg, err := s.store.GetByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Verify(cfg.TenantKeyHash, tenantKey); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Activate starts polling a validated configuration. Activating an active
// configuration is a no-op that returns its current job.
func (s *Scheduler) Activate(ctx context.Context, configID, tenantKey string) (*Job, error) {
	cfg, err := s.authorize(ctx, configID, tenantKey)
	if err != nil {
		return nil, err
	}

	if job, ok := jobFromConfig(cfg); ok {
		s.jobs.Put(job)
		return &job, nil
	}

	now := s.clock.Now().UTC()
	if !cfg.StopAt.After(now) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictWindowExpired,
			"monitoring window has already ended", nil,
			map[string]any{"stop_at": cfg.StopAt.UTC()})
	}

	next := now
	if cfg.StartAt.After(now) {
		next = cfg.StartAt.UTC()
	}

	won, err := s.store.Activate(ctx, configID, next, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return s.converge(ctx, configID, now)
	}

	job := Job{
		ConfigID:   configID,
		NextFireAt: next,
		Interval:   cfg.Interval(),
		StopAt:     cfg.StopAt.UTC(),
	}
	s.jobs.Put(job)

	s.logger.InfoContext(ctx, "configuration activated",
		"config_id", configID,
		"next_fire_at", next,
		"stop_at", job.StopAt,
	)
	return &job, nil
}

// converge re-reads a configuration after losing the activation race.
func (s *Scheduler) converge(ctx context.Context, configID string, now time.Time) (*Job, error) {
	cfg, err := s.store.GetByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if job, ok := jobFromConfig(cfg); ok {
		s.jobs.Put(job)
		return &job, nil
	}
	if !cfg.StopAt.After(now) {
		return nil, types.NewAppError(types.ErrCodeConflictWindowExpired, "monitoring window has already ended", nil)
	}
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		"configuration was modified concurrently, retry the request", nil)
}

// Deactivate stops polling. It is idempotent; a call already in flight
// still has its result recorded.
func (s *Scheduler) Deactivate(ctx context.Context, configID, tenantKey string) error {
	if _, err := s.authorize(ctx, configID, tenantKey); err != nil {
		return err
	}
	if err := s.store.Deactivate(ctx, configID, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.jobs.Remove(configID)

	s.logger.InfoContext(ctx, "configuration deactivated", "config_id", configID)
	return nil
}

// Rebuild reloads the job set at startup. Boundaries missed while no
// scheduler was running are skipped, not replayed.
func (s *Scheduler) Rebuild(ctx context.Context, now time.Time) error {
	retired, err := s.store.RetireExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("retiring expired configurations: %w", err)
	}
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active configurations: %w", err)
	}

	jobs := make(map[string]Job, len(rows))
	skipped := 0
	for _, row := range rows {
		job, ok := jobFromSchedule(row)
		if !ok {
			continue
		}
		if job.Due(now) {
			next := nextBoundaryAfter(job.NextFireAt, job.Interval, now)
			if !next.Before(job.StopAt) {
				if _, err := s.store.Retire(ctx, job.ConfigID, now); err != nil {
					s.logger.WarnContext(ctx, "failed to retire configuration", "config_id", job.ConfigID, "error", err)
					continue
				}
				retired++
				continue
			}
			moved, err := s.store.Reschedule(ctx, job.ConfigID, row.NextFireAt, next, now)
			if err != nil {
				s.logger.WarnContext(ctx, "failed to reschedule configuration", "config_id", job.ConfigID, "error", err)
				continue
			}
			if !moved {
				// Another process moved it; the next sync adopts its value.
				continue
			}
			skipped++
			job.NextFireAt = next
		}
		jobs[job.ConfigID] = job
	}
	s.jobs.Replace(jobs)
	s.metrics.RecordRetired(ctx, int(retired))

	s.logger.InfoContext(ctx, "job set rebuilt",
		"active", len(jobs),
		"retired", retired,
		"rescheduled", skipped,
	)
	return nil
}

// sync re-reads the active set. A stored boundary more than one interval
// behind is collapsed to the latest boundary at or before now so the job
// fires once. On a storage error the cached set is kept.
func (s *Scheduler) sync(ctx context.Context, now time.Time) {
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "job sync failed, using cached set", "error", err)
		return
	}

	jobs := make(map[string]Job, len(rows))
	for _, row := range rows {
		job, ok := jobFromSchedule(row)
		if !ok {
			continue
		}
		if latest := latestBoundaryAtOrBefore(job.NextFireAt, job.Interval, now); !latest.Equal(job.NextFireAt) {
			moved, err := s.store.Reschedule(ctx, job.ConfigID, row.NextFireAt, latest, now)
			if err != nil || !moved {
				continue
			}
			s.logger.InfoContext(ctx, "collapsed missed boundaries",
				"config_id", job.ConfigID,
				"from", job.NextFireAt,
				"to", latest,
			)
			job.NextFireAt = latest
		}
		jobs[job.ConfigID] = job
	}
	s.jobs.Replace(jobs)
}

// Tick runs one scheduler pass at now. Failures of individual jobs are
// logged and never abort the pass.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	started := time.Now()
	s.sync(ctx, now)

	due := s.jobs.Due(now)
	var fired, skipped, retired, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, job := range due {
		g.Go(func() error {
			switch s.fireSafely(ctx, job, now) {
			case fireDone:
				fired.Add(1)
			case fireRetired:
				retired.Add(1)
			case fireSkipped:
				skipped.Add(1)
			case fireFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := TickReport{
		Due:     len(due),
		Fired:   int(fired.Load()),
		Skipped: int(skipped.Load()),
		Retired: int(retired.Load()),
		Failed:  int(failed.Load()),
	}
	s.metrics.RecordTick(ctx, time.Since(started), s.jobs.Len())
	s.metrics.RecordRetired(ctx, report.Retired)

	if report.Due > 0 {
		s.logger.InfoContext(ctx, "tick complete",
			"due", report.Due,
			"fired", report.Fired,
			"skipped", report.Skipped,
			"retired", report.Retired,
			"failed", report.Failed,
		)
	}
	return report
}

type fireOutcome int

const (
	fireDone fireOutcome = iota
	fireSkipped
	fireRetired
	fireFailed
)

// fireSafely isolates a job so a panic only fails that job.
func (s *Scheduler) fireSafely(ctx context.Context, job Job, now time.Time) (out fireOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "job panicked",
				"config_id", job.ConfigID,
				"panic", fmt.Sprint(r),
			)
			s.releaseClaim(ctx, job.ConfigID)
			out = fireFailed
		}
	}()
	return s.fire(ctx, job, now)
}

// releaseClaim drops this worker's lease so the boundary is retried on the
// next tick instead of waiting for the lease to expire.
func (s *Scheduler) releaseClaim(ctx context.Context, configID string) {
	if err := s.store.ReleaseClaim(context.WithoutCancel(ctx), configID, s.opts.WorkerID); err != nil {
		s.logger.WarnContext(ctx, "failed to release claim", "config_id", configID, "error", err)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) fireOutcome {
	log := s.logger.With("config_id", job.ConfigID, "fire_at", job.NextFireAt)

	if job.Expired(now) {
		if _, err := s.store.Retire(ctx, job.ConfigID, now); err != nil {
			log.WarnContext(ctx, "failed to retire job", "error", err)
			return fireFailed
		}
		s.jobs.Remove(job.ConfigID)
		log.InfoContext(ctx, "job retired at end of window")
		return fireRetired
	}

	won, err := s.store.Claim(ctx, job.ConfigID, job.NextFireAt, s.opts.WorkerID, now, now.Add(s.opts.ClaimLease))
	if err != nil {
		log.WarnContext(ctx, "claim failed", "error", err)
		return fireFailed
	}
	if !won {
		return fireSkipped
	}

	cfg, err := s.store.GetByID(ctx, job.ConfigID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundConfig) {
			s.jobs.Remove(job.ConfigID)
			return fireRetired
		}
		log.WarnContext(ctx, "failed to load configuration", "error", err)
		s.releaseClaim(ctx, job.ConfigID)
		return fireFailed
	}

	res := s.call(ctx, cfg, job.NextFireAt)
	s.metrics.RecordPoll(ctx, res.IsSuccessful, time.Duration(res.LatencyMS)*time.Millisecond)

	// A completed call is committed even when shutdown cancels ctx.
	commitCtx := context.WithoutCancel(ctx)
	next := job.NextFireAt.Add(job.Interval)
	keepActive := next.Before(job.StopAt)

	outcome, err := s.firings.Commit(commitCtx, res, next, keepActive, s.clock.Now().UTC())
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundConfig) {
			s.jobs.Remove(job.ConfigID)
			log.InfoContext(ctx, "configuration deleted during call, job dropped")
			return fireRetired
		}
		log.ErrorContext(ctx, "failed to commit result", "error", err)
		s.releaseClaim(ctx, job.ConfigID)
		return fireFailed
	}

	switch {
	case outcome.Advanced && keepActive:
		s.jobs.advance(job.ConfigID, job.NextFireAt, next)
	default:
		// Retired, or moved off this boundary by a concurrent deactivation.
		s.jobs.removeAt(job.ConfigID, job.NextFireAt)
	}

	if outcome.Inserted {
		s.publish(commitCtx, res, outcome.Advanced && !keepActive)
	}

	log.InfoContext(ctx, "job fired",
		"successful", res.IsSuccessful,
		"status_code", res.StatusCode,
		"latency_ms", res.LatencyMS,
		"next_fire_at", next,
		"active", keepActive,
	)
	if outcome.Advanced && !keepActive {
		return fireRetired
	}
	return fireDone
}

// call executes the request for cfg and converts the outcome to a result.
// Any HTTP response counts as successful; only transport failures do not.
func (s *Scheduler) call(ctx context.Context, cfg *types.MonitorConfig, fireAt time.Time) *types.PollResult {
	callCtx, cancel := context.WithTimeout(external.WithBreakerKey(ctx, cfg.ConfigID), s.opts.CallTimeout)
	defer cancel()

	res := &types.PollResult{
		ID:       s.newID(),
		ConfigID: cfg.ConfigID,
		FireAt:   fireAt,
		CalledAt: s.clock.Now().UTC(),
	}

	req, err := monitor.BuildRequest(callCtx, monitor.SpecFor(cfg))
	if err != nil {
		res.ErrorMessage = errorMessage(err)
		return res
	}

	started := time.Now()
	resp, err := s.caller.Do(req)
	if err != nil {
		res.LatencyMS = time.Since(started).Milliseconds()
		res.ErrorMessage = errorMessage(err)
		return res
	}

	status := resp.StatusCode
	res.IsSuccessful = true
	res.StatusCode = &status
	res.LatencyMS = resp.Latency.Milliseconds()
	res.ResponsePayload = types.PayloadFromBody(resp.Body)
	return res
}

func (s *Scheduler) publish(ctx context.Context, res *types.PollResult, retired bool) {
	if s.publisher == nil {
		return
	}
	ev := types.ResultEvent{
		ConfigID:     res.ConfigID,
		ResultID:     res.ID,
		FireAt:       res.FireAt,
		CalledAt:     res.CalledAt,
		IsSuccessful: res.IsSuccessful,
		StatusCode:   res.StatusCode,
		LatencyMS:    res.LatencyMS,
		Retired:      retired,
	}
	if err := s.publisher.PublishResult(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish result event",
			"config_id", res.ConfigID,
			"result_id", res.ID,
			"error", err,
		)
	}
}

func errorMessage(err error) *string {
	msg := err.Error()
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &msg
}

// Run rebuilds the job set and ticks every TickInterval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Rebuild(ctx, s.clock.Now().UTC()); err != nil {
		// Tick syncs from the store anyway; missed boundaries then collapse
		// to a single call instead of being skipped.
		s.logger.ErrorContext(ctx, "rebuild failed", "error", err)
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started",
		"tick_interval", s.opts.TickInterval.String(),
		"concurrency", s.opts.Concurrency,
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.clock.Now().UTC())
		}
	}
}
