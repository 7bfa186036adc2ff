package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"hermes/internal/types"
)

// ConfigRepository provides data access for the monitor_configs table.
// State transitions are single-row conditional updates so that concurrent
// API calls and scheduler instances converge without explicit locking.
type ConfigRepository struct {
	db DBTX
}

// NewConfigRepository creates a new ConfigRepository backed by the given
// database connection (pool or transaction).
func NewConfigRepository(db DBTX) *ConfigRepository {
	return &ConfigRepository{db: db}
}

const configColumns = `id, config_id, tenant_key_hash, name, description, method,
	base_url, endpoint, params, headers, additional_params, is_active,
	interval_minutes, start_at, stop_at, next_fire_at, first_fire_at,
	claimed_by, claim_expires_at, created_at, updated_at`

// Create inserts a new configuration and populates its surrogate ID and
// timestamps. The configuration is always stored inactive.
func (r *ConfigRepository) Create(ctx context.Context, c *types.MonitorConfig) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO monitor_configs (
			config_id, tenant_key_hash, name, description, method, base_url,
			endpoint, params, headers, additional_params, is_active,
			interval_minutes, start_at, stop_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		c.ConfigID,
		c.TenantKeyHash,
		c.Name,
		c.Description,
		string(c.Method),
		c.BaseURL,
		c.Endpoint,
		c.Params,
		c.Headers,
		c.AdditionalParams,
		c.IntervalMinutes,
		c.StartAt,
		c.StopAt,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "configuration id already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create configuration", err)
	}
	c.IsActive = false
	c.NextFireAt = nil
	return nil
}

// GetByID returns the configuration with the given business identifier.
func (r *ConfigRepository) GetByID(ctx context.Context, configID string) (*types.MonitorConfig, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+configColumns+` FROM monitor_configs WHERE config_id = $1`,
		configID,
	)
	c, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundConfig, "configuration not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load configuration", err)
	}
	return c, nil
}

func scanConfig(row pgx.Row) (*types.MonitorConfig, error) {
	var c types.MonitorConfig
	var method string
	err := row.Scan(
		&c.ID,
		&c.ConfigID,
		&c.TenantKeyHash,
		&c.Name,
		&c.Description,
		&method,
		&c.BaseURL,
		&c.Endpoint,
		&c.Params,
		&c.Headers,
		&c.AdditionalParams,
		&c.IsActive,
		&c.IntervalMinutes,
		&c.StartAt,
		&c.StopAt,
		&c.NextFireAt,
		&c.FirstFireAt,
		&c.ClaimedBy,
		&c.ClaimExpiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Method = types.HTTPMethod(method)
	return &c, nil
}

// Activate flips an inactive configuration to active with the given first
// boundary, recorded as first_fire_at. It returns false when the row was already active, or when its
// window already closed, so the caller can re-read and decide.
func (r *ConfigRepository) Activate(ctx context.Context, configID string, nextFireAt, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET is_active = TRUE, next_fire_at = $2, first_fire_at = $2,
		     claimed_by = NULL, claim_expires_at = NULL, updated_at = $3
		 WHERE config_id = $1 AND is_active = FALSE AND stop_at > $3`,
		configID, nextFireAt, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to activate configuration", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Deactivate clears the active flag and the next boundary. It succeeds
// whether or not the row was active; an unknown id yields not_found.
func (r *ConfigRepository) Deactivate(ctx context.Context, configID string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET is_active = FALSE, next_fire_at = NULL,
		     claimed_by = NULL, claim_expires_at = NULL, updated_at = $2
		 WHERE config_id = $1`,
		configID, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate configuration", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundConfig, "configuration not found", nil)
	}
	return nil
}

// Retire deactivates a configuration from the scheduler side. It only
// touches active rows and reports whether a row changed.
func (r *ConfigRepository) Retire(ctx context.Context, configID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET is_active = FALSE, next_fire_at = NULL,
		     claimed_by = NULL, claim_expires_at = NULL, updated_at = $2
		 WHERE config_id = $1 AND is_active = TRUE`,
		configID, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to retire configuration", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetireExpired deactivates every active configuration whose window has
// closed and returns how many were retired.
func (r *ConfigRepository) RetireExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET is_active = FALSE, next_fire_at = NULL,
		     claimed_by = NULL, claim_expires_at = NULL, updated_at = $1
		 WHERE is_active = TRUE AND stop_at <= $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to retire expired configurations", err)
	}
	return tag.RowsAffected(), nil
}

// ListActive returns the schedule of every active configuration.
func (r *ConfigRepository) ListActive(ctx context.Context) ([]types.Schedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT config_id, next_fire_at, interval_minutes, start_at, stop_at
		 FROM monitor_configs
		 WHERE is_active = TRUE
		 ORDER BY id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active configurations", err)
	}
	defer rows.Close()

	var out []types.Schedule
	for rows.Next() {
		var s types.Schedule
		if err := rows.Scan(&s.ConfigID, &s.NextFireAt, &s.IntervalMinutes, &s.StartAt, &s.StopAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan active configuration", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate active configurations", err)
	}
	return out, nil
}

// Reschedule moves next_fire_at from expected to next, only if the row is
// still active and nobody moved it in between.
func (r *ConfigRepository) Reschedule(ctx context.Context, configID string, expected *time.Time, next, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET next_fire_at = $3, updated_at = $4
		 WHERE config_id = $1 AND is_active = TRUE
		   AND next_fire_at IS NOT DISTINCT FROM $2`,
		configID, expected, next, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule configuration", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Claim takes the per-firing lease for the boundary fireAt. Exactly one
// caller wins for a given boundary while the lease is live.
func (r *ConfigRepository) Claim(ctx context.Context, configID string, fireAt time.Time, workerID string, now, leaseUntil time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET claimed_by = $3, claim_expires_at = $5
		 WHERE config_id = $1 AND is_active = TRUE AND next_fire_at = $2
		   AND (claim_expires_at IS NULL OR claim_expires_at <= $4)`,
		configID, fireAt, workerID, now, leaseUntil,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim configuration", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseClaim drops a lease held by workerID without advancing the schedule.
func (r *ConfigRepository) ReleaseClaim(ctx context.Context, configID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET claimed_by = NULL, claim_expires_at = NULL
		 WHERE config_id = $1 AND claimed_by = $2`,
		configID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release claim", err)
	}
	return nil
}

// Advance moves the schedule past fireAt after a result was written. When
// keepActive is false the configuration is retired in the same statement.
// It reports false if the row no longer sits on fireAt (deactivated or
// deleted concurrently).
func (r *ConfigRepository) Advance(ctx context.Context, configID string, fireAt, next time.Time, keepActive bool, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE monitor_configs
		 SET next_fire_at = CASE WHEN $4 THEN $3::timestamptz ELSE NULL END,
		     is_active = $4,
		     claimed_by = NULL, claim_expires_at = NULL, updated_at = $5
		 WHERE config_id = $1 AND is_active = TRUE AND next_fire_at = $2`,
		configID, fireAt, next, keepActive, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance configuration", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteStale deletes up to limit configurations whose last activity (the
// latest result call time, or creation time when there are none) is older
// than cutoff. Results go with them through the foreign key cascade.
func (r *ConfigRepository) DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM monitor_configs
		 WHERE id IN (
		   SELECT c.id
		   FROM monitor_configs c
		   LEFT JOIN LATERAL (
		     SELECT MAX(res.called_at) AS last_called_at
		     FROM monitor_results res
		     WHERE res.config_id = c.config_id
		   ) last ON TRUE
		   WHERE COALESCE(last.last_called_at, c.created_at) < $1
		   ORDER BY c.id
		   LIMIT $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete stale configurations", err)
	}
	return tag.RowsAffected(), nil
}
