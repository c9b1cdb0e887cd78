// Package pgstore mirrors incident summaries into PostgreSQL.
//
// The JSONL files stay the primary record; this sink makes incidents
// queryable across days. Rows are keyed by job ID so a redelivered record
// does not duplicate.
//
// Usage:
//
//	store, err := pgstore.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	queueCfg.Sinks = append(queueCfg.Sinks, store)
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cashield/internal/summarize"
)

const ddlIncidentSummaries = `
CREATE TABLE IF NOT EXISTS incident_summaries (
    job_id         TEXT         PRIMARY KEY,
    log_date       DATE         NOT NULL,
    anchor_time    TEXT         NOT NULL DEFAULT '',
    ng_word        TEXT         NOT NULL,
    severity       SMALLINT     NOT NULL,
    model_severity SMALLINT     NOT NULL DEFAULT 0,
    summary        TEXT         NOT NULL,
    action         TEXT         NOT NULL,
    model          TEXT         NOT NULL DEFAULT '',
    trigger_index  INTEGER      NOT NULL,
    line_low       INTEGER      NOT NULL,
    line_high      INTEGER      NOT NULL,
    turns          JSONB        NOT NULL DEFAULT '[]',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_incident_summaries_log_date
    ON incident_summaries (log_date);
`

// Store is a [summarize.Sink] backed by a pgx connection pool. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ summarize.Sink = (*Store)(nil)

// New connects to dsn, pings the server and applies [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the incident_summaries table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlIncidentSummaries); err != nil {
		return fmt.Errorf("create incident_summaries: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the connection. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save inserts rec. A record whose job ID is already stored is ignored.
func (s *Store) Save(ctx context.Context, rec summarize.Record) error {
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("pgstore: encode turns: %w", err)
	}
	date, err := time.Parse("2006-01-02", rec.Date)
	if err != nil {
		return fmt.Errorf("pgstore: parse date %q: %w", rec.Date, err)
	}

	const q = `
		INSERT INTO incident_summaries
		    (job_id, log_date, anchor_time, ng_word, severity, model_severity,
		     summary, action, model, trigger_index, line_low, line_high, turns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO NOTHING`

	_, err = s.pool.Exec(ctx, q,
		rec.Meta.JobID,
		date,
		rec.AnchorTime,
		rec.NGWord,
		rec.Severity,
		rec.Meta.ModelSeverity,
		rec.Summary,
		rec.Action,
		rec.Meta.Model,
		rec.Meta.TriggerIndex,
		rec.Meta.LineLow,
		rec.Meta.LineHigh,
		turns,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert %s: %w", rec.Meta.JobID, err)
	}
	return nil
}

// Records returns the stored records of date ordered by trigger line.
func (s *Store) Records(ctx context.Context, date string) ([]summarize.Record, error) {
	const q = `
		SELECT job_id, log_date, anchor_time, ng_word, severity, model_severity,
		       summary, action, model, trigger_index, line_low, line_high, turns,
		       created_at
		FROM   incident_summaries
		WHERE  log_date = $1::date
		ORDER  BY trigger_index, created_at`

	rows, err := s.pool.Query(ctx, q, date)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query %s: %w", date, err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan %s: %w", date, err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (summarize.Record, error) {
	var (
		rec       summarize.Record
		logDate   time.Time
		turns     []byte
		createdAt time.Time
	)
	err := row.Scan(
		&rec.Meta.JobID, &logDate, &rec.AnchorTime, &rec.NGWord, &rec.Severity,
		&rec.Meta.ModelSeverity, &rec.Summary, &rec.Action, &rec.Meta.Model,
		&rec.Meta.TriggerIndex, &rec.Meta.LineLow, &rec.Meta.LineHigh, &turns,
		&createdAt,
	)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(turns, &rec.Turns); err != nil {
		return rec, fmt.Errorf("decode turns: %w", err)
	}
	rec.Date = logDate.Format("2006-01-02")
	rec.Meta.CreatedAt = createdAt.Local().Format("2006-01-02 15:04:05")
	for i := rec.Meta.LineLow; i <= rec.Meta.LineHigh; i++ {
		rec.Meta.LineIndices = append(rec.Meta.LineIndices, i)
	}
	return rec, nil
}
