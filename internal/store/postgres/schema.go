package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMatches = `
CREATE TABLE IF NOT EXISTS matches (
    session_id  TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_members (
    session_id  TEXT         NOT NULL REFERENCES matches (session_id) ON DELETE CASCADE,
    position    SMALLINT     NOT NULL,
    user_id     TEXT         NOT NULL,
    username    TEXT         NOT NULL DEFAULT '',
    avatar      TEXT         NOT NULL DEFAULT '',
    persona     TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, position)
);

CREATE INDEX IF NOT EXISTS idx_match_members_user
    ON match_members (user_id);
`

const ddlOutcomes = `
CREATE TABLE IF NOT EXISTS session_outcomes (
    session_id      TEXT              NOT NULL,
    self_id         TEXT              NOT NULL,
    partner_id      TEXT              NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ,
    ended_at        TIMESTAMPTZ       NOT NULL,
    duration_ms     BIGINT            NOT NULL DEFAULT 0,
    final_drift     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    average_drift   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    feedback_count  INTEGER           NOT NULL DEFAULT 0,
    end_reason      TEXT              NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, self_id)
);

CREATE INDEX IF NOT EXISTS idx_session_outcomes_ended_at
    ON session_outcomes (ended_at);
`

// Migrate creates the tables the store needs. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []struct{ name, sql string }{
		{"matches", ddlMatches},
		{"session_outcomes", ddlOutcomes},
	} {
		if _, err := pool.Exec(ctx, ddl.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", ddl.name, err)
		}
	}
	return nil
}
