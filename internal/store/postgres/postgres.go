// Package postgres is the PostgreSQL-backed [store.Store]. Match records and
// call outcomes live in three tables created by [Migrate].
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/realtalk/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RecordMatch implements [store.MatchStore]. Re-recording a session
// replaces its members.
func (s *Store) RecordMatch(ctx context.Context, r store.MatchRecord) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO matches (session_id, created_at) VALUES ($1, $2)
			ON CONFLICT (session_id) DO UPDATE SET created_at = EXCLUDED.created_at`
		if _, err := tx.Exec(ctx, upsert, r.SessionID, created); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM match_members WHERE session_id = $1`, r.SessionID); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, m := range r.Members {
			batch.Queue(`
				INSERT INTO match_members (session_id, position, user_id, username, avatar, persona)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.SessionID, i, m.UserID, m.Username, m.Avatar, m.Persona)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres store: record match: %w", err)
	}
	return nil
}

// LoadSessionContext implements [store.SessionStore].
func (s *Store) LoadSessionContext(ctx context.Context, sessionID, selfID string) (store.SessionContext, error) {
	const q = `
		SELECT user_id, username, avatar
		FROM   match_members
		WHERE  session_id = $1 AND user_id <> $2
		ORDER  BY position
		LIMIT  1`

	var sc store.SessionContext
	err := s.pool.QueryRow(ctx, q, sessionID, selfID).Scan(&sc.PartnerID, &sc.PartnerName, &sc.PartnerAvatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionContext{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionContext{}, fmt.Errorf("postgres store: load session context: %w", err)
	}
	return sc, nil
}

// RecordSessionOutcome implements [store.SessionStore].
func (s *Store) RecordSessionOutcome(ctx context.Context, o store.Outcome) error {
	const q = `
		INSERT INTO session_outcomes
		    (session_id, self_id, partner_id, started_at, ended_at, duration_ms,
		     final_drift, average_drift, feedback_count, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, self_id) DO UPDATE SET
		    partner_id     = EXCLUDED.partner_id,
		    started_at     = EXCLUDED.started_at,
		    ended_at       = EXCLUDED.ended_at,
		    duration_ms    = EXCLUDED.duration_ms,
		    final_drift    = EXCLUDED.final_drift,
		    average_drift  = EXCLUDED.average_drift,
		    feedback_count = EXCLUDED.feedback_count,
		    end_reason     = EXCLUDED.end_reason`

	var started *time.Time
	if !o.StartedAt.IsZero() {
		started = &o.StartedAt
	}
	_, err := s.pool.Exec(ctx, q,
		o.SessionID,
		o.SelfID,
		o.PartnerID,
		started,
		o.EndedAt,
		o.Duration.Milliseconds(),
		o.FinalDrift,
		o.AverageDrift,
		o.FeedbackCount,
		string(o.EndReason),
	)
	if err != nil {
		return fmt.Errorf("postgres store: record outcome: %w", err)
	}
	return nil
}

// Outcome reads back one outcome.
func (s *Store) Outcome(ctx context.Context, sessionID, selfID string) (store.Outcome, error) {
	const q = `
		SELECT partner_id, started_at, ended_at, duration_ms, final_drift,
		       average_drift, feedback_count, end_reason
		FROM   session_outcomes
		WHERE  session_id = $1 AND self_id = $2`

	o := store.Outcome{SessionID: sessionID, SelfID: selfID}
	var (
		started    *time.Time
		durationMS int64
		reason     string
	)
	err := s.pool.QueryRow(ctx, q, sessionID, selfID).Scan(
		&o.PartnerID, &started, &o.EndedAt, &durationMS,
		&o.FinalDrift, &o.AverageDrift, &o.FeedbackCount, &reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Outcome{}, store.ErrNotFound
	}
	if err != nil {
		return store.Outcome{}, fmt.Errorf("postgres store: outcome: %w", err)
	}
	if started != nil {
		o.StartedAt = *started
	}
	o.Duration = time.Duration(durationMS) * time.Millisecond
	o.EndReason = store.EndReason(reason)
	return o, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
