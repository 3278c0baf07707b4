package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id               TEXT PRIMARY KEY,
		seq              BIGSERIAL NOT NULL,
		channel          TEXT NOT NULL,
		recipient        TEXT NOT NULL,
		template         TEXT NOT NULL,
		params           JSONB NOT NULL DEFAULT '{}'::jsonb,
		group_key        TEXT NOT NULL,
		dedupe_key       TEXT,
		state            TEXT NOT NULL DEFAULT 'pending',
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT,
		lease_token      TEXT,
		lease_expires_at TIMESTAMPTZ,
		enqueued_at      TIMESTAMPTZ NOT NULL,
		available_at     TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE notifications ALTER COLUMN dedupe_key DROP NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS notifications_active_dedupe_key
		ON notifications (dedupe_key)
		WHERE state IN ('pending', 'in_flight')`,
	`CREATE INDEX IF NOT EXISTS notifications_dispatch
		ON notifications (channel, state, seq)`,
	`CREATE INDEX IF NOT EXISTS notifications_dead_lettered
		ON notifications (updated_at)
		WHERE state = 'dead_lettered'`,
}

// Migrate creates the notifications table and its indexes.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
