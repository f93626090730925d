// Package eventlog archives classified events in PostgreSQL.
//
// The archive is optional: the node constructs one only when a DSN is
// configured. Insert failures are counted and reported to the caller, who
// logs and moves on; a broken archive must never stall event dispatch.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanpulse/fanpulse/pkg/event"
)

// Schema is the SQL DDL for the events table. Execute it via
// [Archive.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id                   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    device_id            TEXT NOT NULL,
    match_id             INTEGER NOT NULL,
    tier                 TEXT NOT NULL,
    peak_db              DOUBLE PRECISION NOT NULL,
    duration_ms          INTEGER NOT NULL,
    ts                   BIGINT NOT NULL,
    chant_detected       BOOLEAN NOT NULL,
    baseline_db          DOUBLE PRECISION NOT NULL,
    dynamic_threshold    DOUBLE PRECISION NOT NULL,
    threshold_offset_db  DOUBLE PRECISION NOT NULL,
    environment_iqr      DOUBLE PRECISION NOT NULL,
    signal_quality       DOUBLE PRECISION NOT NULL,
    detection_confidence DOUBLE PRECISION NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
`

// DB is the database interface used by [Archive]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StoredEvent is an archived event row as served by /api/events.
type StoredEvent struct {
	ID int64 `json:"id"`
	event.ClassifiedEvent
	CreatedAt time.Time `json:"createdAt"`
}

// Stats is a snapshot of archive accounting.
type Stats struct {
	Inserted uint64
	Failed   uint64
}

// Archive persists classified events. All operations are safe for
// concurrent use.
type Archive struct {
	db   DB
	pool *pgxpool.Pool // nil when constructed over an injected DB
	log  *slog.Logger

	mu       sync.Mutex
	inserted uint64
	failed   uint64
}

// NewArchive creates an Archive over an existing database connection or
// pool. The caller is responsible for running [Archive.Migrate] before
// issuing queries.
func NewArchive(db DB, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{db: db, log: logger.With("component", "eventlog")}
}

// Open connects to PostgreSQL at dsn, verifies the connection and ensures
// the schema exists. The returned Archive owns the pool; release it with
// [Archive.Close].
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}

	a := NewArchive(pool, logger)
	a.pool = pool
	if err := a.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	a.log.Info("event archive ready", "database", cfg.ConnConfig.Database)
	return a, nil
}

// Migrate executes the [Schema] DDL, creating the events table and index if
// they do not already exist.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// Insert archives one classified event. Failures are counted; the caller
// decides whether to log them.
func (a *Archive) Insert(ctx context.Context, ev event.ClassifiedEvent) error {
	const query = `
		INSERT INTO events (
			device_id, match_id, tier, peak_db, duration_ms, ts,
			chant_detected, baseline_db, dynamic_threshold,
			threshold_offset_db, environment_iqr,
			signal_quality, detection_confidence
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := a.db.Exec(ctx, query,
		ev.DeviceID, ev.MatchID, string(ev.Tier), ev.PeakDb,
		int64(ev.DurationMs), int64(ev.Timestamp),
		ev.ChantDetected, ev.BaselineDb, ev.DynamicThreshold,
		ev.ThresholdOffsetDb, ev.EnvironmentIqr,
		ev.SignalQuality, ev.DetectionConfidence,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.failed++
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	a.inserted++
	return nil
}

// Recent returns the most recently timestamped events, newest first. A
// non-positive limit returns an empty slice.
func (a *Archive) Recent(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	const query = `
		SELECT id, device_id, match_id, tier, peak_db, duration_ms, ts,
		       chant_detected, baseline_db, dynamic_threshold,
		       threshold_offset_db, environment_iqr,
		       signal_quality, detection_confidence, created_at
		FROM events
		ORDER BY ts DESC
		LIMIT $1`

	rows, err := a.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			se         StoredEvent
			tier       string
			durationMs int64
			ts         int64
		)
		if err := rows.Scan(
			&se.ID, &se.DeviceID, &se.MatchID, &tier, &se.PeakDb,
			&durationMs, &ts,
			&se.ChantDetected, &se.BaselineDb, &se.DynamicThreshold,
			&se.ThresholdOffsetDb, &se.EnvironmentIqr,
			&se.SignalQuality, &se.DetectionConfidence, &se.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("eventlog: recent scan: %w", err)
		}
		se.Tier = event.Tier(tier)
		se.DurationMs = uint32(durationMs)
		se.Timestamp = uint64(ts)
		events = append(events, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	return events, nil
}

// Ping verifies the database connection, for readiness checks.
func (a *Archive) Ping(ctx context.Context) error {
	var one int
	if err := a.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("eventlog: ping: no result")
		}
		return fmt.Errorf("eventlog: ping: %w", err)
	}
	return nil
}

// Stats returns a snapshot of archive accounting.
func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Inserted: a.inserted, Failed: a.failed}
}

// Close releases the underlying pool when the Archive owns one.
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
