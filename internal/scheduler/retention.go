package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// retentionLockID names the job_locks row guarding the sweep.
const retentionLockID = "retention_sweep"

// StaleDeleter removes configurations idle since before cutoff, at most
// limit per call. Implemented by db.ConfigRepository.
type StaleDeleter interface {
	DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// JobLocker provides cross-process exclusion. Implemented by
// db.JobLockRepository.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian records maintenance runs. Implemented by
// db.JobHistoryRepository.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// SweepMetrics receives the number of configurations removed per run.
type SweepMetrics interface {
	RecordSweep(ctx context.Context, deleted int)
}

// RetentionConfig tunes the sweeper.
type RetentionConfig struct {
	Window    time.Duration
	BatchSize int
	LockTTL   time.Duration
	WorkerID  string
}

// RetentionSweeper deletes configurations (and, by cascade, their results)
// whose last activity is older than the retention window.
type RetentionSweeper struct {
	store   StaleDeleter
	locks   JobLocker
	history JobHistorian
	metrics SweepMetrics
	cfg     RetentionConfig
	logger  *slog.Logger
}

// NewRetentionSweeper creates a sweeper. locks, history and metrics may be
// nil, in which case the run is unguarded or unrecorded.
func NewRetentionSweeper(store StaleDeleter, locks JobLocker, history JobHistorian, metrics SweepMetrics, cfg RetentionConfig, logger *slog.Logger) *RetentionSweeper {
	if cfg.Window <= 0 {
		cfg.Window = 14 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "sweeper_" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		store:   store,
		locks:   locks,
		history: history,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// Sweep deletes every configuration idle since before now minus the
// retention window and returns how many were removed. A run that finds the
// lock held by another worker returns (0, nil).
func (r *RetentionSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if r.locks != nil {
		acquired, err := r.locks.Acquire(ctx, retentionLockID, r.cfg.WorkerID, r.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("acquiring job lock %s: %w", retentionLockID, err)
		}
		if !acquired {
			r.logger.InfoContext(ctx, "job lock not acquired, another worker is sweeping",
				"lock_id", retentionLockID,
			)
			return 0, nil
		}
		defer func() {
			if err := r.locks.Release(context.WithoutCancel(ctx), retentionLockID, r.cfg.WorkerID); err != nil {
				r.logger.WarnContext(ctx, "failed to release job lock", "lock_id", retentionLockID, "error", err)
			}
		}()
	}

	var jobID int64
	if r.history != nil {
		id, err := r.history.Start(ctx, string(TaskRetentionSweep))
		if err != nil {
			// Non-fatal: sweep without history.
			r.logger.ErrorContext(ctx, "failed to start job history", "error", err)
		} else {
			jobID = id
		}
	}

	deleted, sweepErr := r.sweep(ctx, now.Add(-r.cfg.Window))

	if jobID != 0 {
		status := "success"
		if sweepErr != nil {
			status = "failed"
		}
		if err := r.history.Finish(ctx, jobID, status, deleted, sweepErr); err != nil {
			r.logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordSweep(ctx, deleted)
	}

	if sweepErr != nil {
		r.logger.ErrorContext(ctx, "retention sweep failed",
			"error", sweepErr,
			"deleted_before_error", deleted,
		)
		return deleted, sweepErr
	}
	r.logger.InfoContext(ctx, "retention sweep complete",
		"deleted", deleted,
		"cutoff", now.Add(-r.cfg.Window).Format(time.RFC3339),
	)
	return deleted, nil
}

func (r *RetentionSweeper) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.store.DeleteStale(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("deleting stale configurations: %w", err)
		}
		total += int(n)
		if n < int64(r.cfg.BatchSize) {
			return total, nil
		}
	}
}
