package jobs

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// EnsureSchema creates the tables the engine owns. Real deployments run
// managed migrations; this keeps dev and test databases usable out of the
// box.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			substate TEXT NOT NULL DEFAULT '',
			progress INT NOT NULL DEFAULT 0,
			input_ref TEXT NOT NULL DEFAULT '',
			output_ref TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_input_ref_idx ON jobs (input_ref)`,
		`CREATE TABLE IF NOT EXISTS content_candidates (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			url TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			thumbnail_url TEXT,
			views BIGINT NOT NULL DEFAULT 0,
			engagement_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			viral_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			discovered_at TIMESTAMPTZ NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]',
			niche TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS viral_patterns (
			id TEXT NOT NULL,
			content_id TEXT PRIMARY KEY,
			hook_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			retention_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
			pacing_bpm DOUBLE PRECISION,
			style_keywords JSONB NOT NULL DEFAULT '[]',
			emotional_triggers JSONB NOT NULL DEFAULT '[]',
			analyzed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_niches (
			niche TEXT PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_scanned_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_posts (
			id TEXT PRIMARY KEY,
			video_ref TEXT NOT NULL,
			platform TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			scheduled_for TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS published_content (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			url TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS social_accounts (
			platform TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			account_handle TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_type TEXT,
			scope TEXT,
			expires_at TIMESTAMPTZ,
			owner_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (platform, account_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
