package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the history tables when they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS site_transitions (
	id           UUID PRIMARY KEY,
	site_id      TEXT NOT NULL,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	reason       TEXT,
	latency_ms   BIGINT,
	close_code   INTEGER,
	occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS site_transitions_site_time ON site_transitions (site_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS site_reconnect_failures (
	id           UUID PRIMARY KEY,
	site_id      TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	error        TEXT,
	occurred_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS site_quality_snapshots (
	id              UUID PRIMARY KEY,
	instance_id     TEXT NOT NULL,
	total_sites     INTEGER NOT NULL,
	connected_sites INTEGER NOT NULL,
	average_score   DOUBLE PRECISION NOT NULL,
	overall_quality TEXT NOT NULL,
	taken_at        TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies Schema to the pool.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}
