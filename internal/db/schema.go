package db

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order by Migrate. Every statement is
// idempotent so Migrate can run on each process start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS monitor_configs (
		id                BIGSERIAL PRIMARY KEY,
		config_id         TEXT NOT NULL UNIQUE,
		tenant_key_hash   TEXT NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		method            TEXT NOT NULL,
		base_url          TEXT NOT NULL,
		endpoint          TEXT NOT NULL DEFAULT '',
		params            JSON NOT NULL DEFAULT '{}',
		headers           JSON NOT NULL DEFAULT '{}',
		additional_params JSON NOT NULL DEFAULT '{}',
		is_active         BOOLEAN NOT NULL DEFAULT FALSE,
		interval_minutes  DOUBLE PRECISION NOT NULL CHECK (interval_minutes > 0),
		start_at          TIMESTAMPTZ NOT NULL,
		stop_at           TIMESTAMPTZ NOT NULL,
		next_fire_at      TIMESTAMPTZ,
		first_fire_at     TIMESTAMPTZ,
		claimed_by        TEXT,
		claim_expires_at  TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (start_at < stop_at)
	)`,
	`ALTER TABLE monitor_configs ADD COLUMN IF NOT EXISTS first_fire_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_configs_active_next
		ON monitor_configs (next_fire_at) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS monitor_results (
		id               TEXT PRIMARY KEY,
		config_id        TEXT NOT NULL REFERENCES monitor_configs(config_id) ON DELETE CASCADE,
		fire_at          TIMESTAMPTZ NOT NULL,
		called_at        TIMESTAMPTZ NOT NULL,
		response_payload JSONB,
		status_code      INTEGER,
		latency_ms       BIGINT NOT NULL DEFAULT 0,
		is_successful    BOOLEAN NOT NULL,
		error_message    TEXT,
		UNIQUE (config_id, fire_at),
		CHECK (NOT is_successful OR error_message IS NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_results_config_called
		ON monitor_results (config_id, called_at DESC)`,
	`CREATE TABLE IF NOT EXISTS job_locks (
		id         TEXT PRIMARY KEY,
		worker_id  TEXT NOT NULL,
		locked_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_history (
		id          BIGSERIAL PRIMARY KEY,
		job_type    TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status      TEXT NOT NULL,
		items_count INTEGER NOT NULL DEFAULT 0,
		error       TEXT
	)`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
