package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"hermes/internal/types"
)

// FiringOutcome reports what a committed firing changed.
type FiringOutcome struct {
	// Inserted is false when a result for the boundary already existed.
	Inserted bool
	// Advanced is false when the configuration had already moved off the
	// boundary (deactivated or rescheduled concurrently).
	Advanced bool
}

// FiringRepository writes a firing's result and advances its schedule in
// one transaction, so a boundary is never consumed without its result and
// a result is never written twice for the same boundary.
type FiringRepository struct {
	db TxBeginner
}

// NewFiringRepository creates a FiringRepository on a pool.
func NewFiringRepository(db TxBeginner) *FiringRepository {
	return &FiringRepository{db: db}
}

// Commit inserts res and moves the configuration from res.FireAt to next,
// retiring it when keepActive is false. A missing parent configuration
// surfaces as not_found_configuration and nothing is written.
func (r *FiringRepository) Commit(ctx context.Context, res *types.PollResult, next time.Time, keepActive bool, now time.Time) (FiringOutcome, error) {
	var out FiringOutcome
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		inserted, err := NewResultRepository(tx).Insert(ctx, res)
		if err != nil {
			return err
		}
		advanced, err := NewConfigRepository(tx).Advance(ctx, res.ConfigID, res.FireAt, next, keepActive, now)
		if err != nil {
			return err
		}
		out = FiringOutcome{Inserted: inserted, Advanced: advanced}
		return nil
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return FiringOutcome{}, err
		}
		return FiringOutcome{}, types.NewAppError(types.ErrCodeInternalDB, "failed to commit firing", err)
	}
	return out, nil
}
