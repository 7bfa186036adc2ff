package db

import (
	"context"
	"time"

	"hermes/internal/types"
)

// ResultRepository provides data access for the monitor_results table.
// Results are insert-only; they disappear only through the cascade from
// monitor_configs.
type ResultRepository struct {
	db DBTX
}

// NewResultRepository creates a new ResultRepository backed by the given
// database connection (pool or transaction).
func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

const resultColumns = `id, config_id, fire_at, called_at, response_payload,
	status_code, latency_ms, is_successful, error_message`

// Insert stores a result for its boundary. It returns false when a result
// for (config_id, fire_at) already exists. A vanished parent configuration
// yields a not_found_configuration error.
func (r *ResultRepository) Insert(ctx context.Context, res *types.PollResult) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO monitor_results (
			id, config_id, fire_at, called_at, response_payload,
			status_code, latency_ms, is_successful, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (config_id, fire_at) DO NOTHING`,
		res.ID,
		res.ConfigID,
		res.FireAt,
		res.CalledAt,
		res.ResponsePayload,
		res.StatusCode,
		res.LatencyMS,
		res.IsSuccessful,
		res.ErrorMessage,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, types.NewAppError(types.ErrCodeNotFoundConfig, "configuration no longer exists", err)
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert result", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent returns up to limit results, newest first.
func (r *ResultRepository) ListRecent(ctx context.Context, configID string, limit int) ([]types.PollResult, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM monitor_results
		 WHERE config_id = $1
		 ORDER BY called_at DESC, fire_at DESC
		 LIMIT $2`,
		configID, limit,
	)
}

// ListAll returns every result for a configuration in boundary order.
func (r *ResultRepository) ListAll(ctx context.Context, configID string) ([]types.PollResult, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM monitor_results
		 WHERE config_id = $1
		 ORDER BY fire_at ASC`,
		configID,
	)
}

func (r *ResultRepository) list(ctx context.Context, query string, args ...any) ([]types.PollResult, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query results", err)
	}
	defer rows.Close()

	out := []types.PollResult{}
	for rows.Next() {
		var res types.PollResult
		if err := rows.Scan(
			&res.ID,
			&res.ConfigID,
			&res.FireAt,
			&res.CalledAt,
			&res.ResponsePayload,
			&res.StatusCode,
			&res.LatencyMS,
			&res.IsSuccessful,
			&res.ErrorMessage,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan result", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate results", err)
	}
	return out, nil
}

// Stats aggregates the outcome counters of a configuration.
func (r *ResultRepository) Stats(ctx context.Context, configID string) (types.ResultStats, error) {
	var s types.ResultStats
	var lastCall *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE is_successful),
		        MAX(called_at)
		 FROM monitor_results
		 WHERE config_id = $1`,
		configID,
	).Scan(&s.Total, &s.Successful, &lastCall)
	if err != nil {
		return types.ResultStats{}, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate results", err)
	}
	s.Failed = s.Total - s.Successful
	s.LastCallAt = lastCall
	return s, nil
}
