// Package postgres provides a PostgreSQL-backed [telemetry.Store] for
// deployments that share one telemetry database across instances.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT         PRIMARY KEY,
    patient_id    TEXT         NOT NULL DEFAULT '',
    patient_name  TEXT         NOT NULL DEFAULT '',
    session_type  TEXT         NOT NULL,
    status        TEXT         NOT NULL,
    start_time    TIMESTAMPTZ  NOT NULL,
    end_time      TIMESTAMPTZ,
    metadata      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time);

CREATE TABLE IF NOT EXISTS messages (
    message_id   TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    token_count  INTEGER      NOT NULL DEFAULT 0,
    llm_model    TEXT         NOT NULL DEFAULT '',
    latency_ms   INTEGER      NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id
    ON messages (session_id);
`

const ddlFeedback = `
CREATE TABLE IF NOT EXISTS feedbacks (
    feedback_id     TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    target_type     TEXT         NOT NULL,
    target_id       TEXT         NOT NULL,
    feedback_type   TEXT         NOT NULL,
    rating          INTEGER      NOT NULL DEFAULT 0,
    reason          TEXT         NOT NULL DEFAULT '',
    original_value  TEXT         NOT NULL DEFAULT '',
    modified_value  TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedbacks_session_id
    ON feedbacks (session_id);

CREATE INDEX IF NOT EXISTS idx_feedbacks_created_at
    ON feedbacks (created_at);

CREATE TABLE IF NOT EXISTS recommendations (
    recommendation_id  TEXT              PRIMARY KEY,
    session_id         TEXT              NOT NULL,
    rec_type           TEXT              NOT NULL,
    content            TEXT              NOT NULL,
    matched            BOOLEAN           NOT NULL,
    match_confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    prompt_tokens      INTEGER           NOT NULL DEFAULT 0,
    completion_tokens  INTEGER           NOT NULL DEFAULT 0,
    latency_ms         INTEGER           NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ       NOT NULL DEFAULT now()
);
`

const ddlOperations = `
CREATE TABLE IF NOT EXISTS operation_logs (
    log_id          TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL DEFAULT '',
    operation_type  TEXT         NOT NULL,
    operation_name  TEXT         NOT NULL,
    details         TEXT         NOT NULL DEFAULT '',
    success         BOOLEAN      NOT NULL,
    duration_ms     INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS performance_metrics (
    metric_id     TEXT              PRIMARY KEY,
    session_id    TEXT              NOT NULL DEFAULT '',
    metric_type   TEXT              NOT NULL,
    metric_value  DOUBLE PRECISION  NOT NULL,
    unit          TEXT              NOT NULL,
    context       TEXT              NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_performance_metrics_type
    ON performance_metrics (metric_type, created_at);
`

// Migrate creates all telemetry tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlFeedback, ddlOperations} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
