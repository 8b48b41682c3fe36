// Package store implements the durable state layer backing a single-node
// deployment: the pipeline counter (local-mode alternative to the NATS KV
// semaphore), the processed set with its TTL keys, and the append-only
// finding audit log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vasillieux/escaped/internal/jobs"
)

// Store wraps a SQLite database providing the pipeline's durable state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS processed_set (
	full_name TEXT PRIMARY KEY,
	marked_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_ttl (
	full_name TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_ttl_expires_at ON processed_ttl(expires_at);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB,
	metadata TEXT,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_job_id ON events(job_id);

CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org TEXT NOT NULL,
	repo TEXT NOT NULL,
	file_path TEXT NOT NULL,
	source_type TEXT NOT NULL,
	detector TEXT NOT NULL,
	match TEXT NOT NULL,
	offset_start INTEGER NOT NULL,
	offset_end INTEGER NOT NULL,
	severity TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_repo ON findings(org, repo);
CREATE INDEX IF NOT EXISTS idx_findings_recorded_at ON findings(recorded_at);
`

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO pipeline_counter (id, active) VALUES (1, 0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seeding counter: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// TryAcquireCounter atomically increments the local pipeline counter inside
// a transaction and returns whether the post-increment value is within max,
// rolling back the increment if not.
func (s *Store) TryAcquireCounter(ctx context.Context, max int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var active int64
	if err := tx.QueryRowContext(ctx, `SELECT active FROM pipeline_counter WHERE id = 1`).Scan(&active); err != nil {
		return false, fmt.Errorf("store: reading counter: %w", err)
	}
	if active >= max {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipeline_counter SET active = active + 1 WHERE id = 1`); err != nil {
		return false, fmt.Errorf("store: incrementing counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

// ReleaseCounter decrements the local counter, clamping at zero.
func (s *Store) ReleaseCounter(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_counter SET active = MAX(active - 1, 0) WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: releasing counter: %w", err)
	}
	return nil
}

// ObserveCounter returns the current active count.
func (s *Store) ObserveCounter(ctx context.Context) (int64, error) {
	var active int64
	err := s.db.QueryRowContext(ctx, `SELECT active FROM pipeline_counter WHERE id = 1`).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("store: observing counter: %w", err)
	}
	return active, nil
}

// ResetCounter forces the counter to 0.
func (s *Store) ResetCounter(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_counter SET active = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: resetting counter: %w", err)
	}
	return nil
}

// MarkProcessed adds full_name to the audit set and sets its TTL key,
// idempotently.
func (s *Store) MarkProcessed(ctx context.Context, fullName string, ttl time.Duration, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_set (full_name, marked_at) VALUES (?, ?)
		 ON CONFLICT(full_name) DO UPDATE SET marked_at = excluded.marked_at`,
		fullName, now.Unix()); err != nil {
		return fmt.Errorf("store: marking processed set: %w", err)
	}

	expiresAt := now.Add(ttl).Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_ttl (full_name, expires_at) VALUES (?, ?)
		 ON CONFLICT(full_name) DO UPDATE SET expires_at = excluded.expires_at`,
		fullName, expiresAt); err != nil {
		return fmt.Errorf("store: setting processed ttl: %w", err)
	}

	return tx.Commit()
}

// IsProcessed checks membership on the TTL key, not the audit set: the set
// survives expiry by design, the TTL key governs re-analysis eligibility.
func (s *Store) IsProcessed(ctx context.Context, fullName string, now time.Time) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM processed_ttl WHERE full_name = ?`, fullName).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: checking processed: %w", err)
	}
	return now.Unix() < expiresAt, nil
}

// SweepExpired deletes TTL entries that have expired as of now, leaving the
// audit set untouched. Intended to be called periodically by the daemon's
// scheduler.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_ttl WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: sweeping expired ttl entries: %w", err)
	}
	return res.RowsAffected()
}

// Append records one pipeline event, satisfying internal/pipeline's
// EventStore interface so the bus can persist what it publishes.
func (s *Store) Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error {
	var meta any
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("store: encoding event metadata: %w", err)
		}
		meta = string(encoded)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, event_type, payload, metadata, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, eventType, payload, meta, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: recording event: %w", err)
	}
	return nil
}

// EventTypesForJob returns the event types recorded for a job, oldest first.
func (s *Store) EventTypesForJob(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type FROM events WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: querying events: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("store: scanning event row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordFinding appends one Finding to the audit log.
func (s *Store) RecordFinding(ctx context.Context, f jobs.Finding, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (org, repo, file_path, source_type, detector, match, offset_start, offset_end, severity, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Org, f.Repo, f.FilePath, string(f.SourceType), f.Detector, f.Match, f.Offsets[0], f.Offsets[1], string(f.Severity), now.Unix())
	if err != nil {
		return fmt.Errorf("store: recording finding: %w", err)
	}
	return nil
}

// FindingsForRepo returns all recorded findings for a given org/repo, most
// recent first.
func (s *Store) FindingsForRepo(ctx context.Context, org, repo string) ([]jobs.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org, repo, file_path, source_type, detector, match, offset_start, offset_end, severity
		 FROM findings WHERE org = ? AND repo = ? ORDER BY recorded_at DESC`, org, repo)
	if err != nil {
		return nil, fmt.Errorf("store: querying findings: %w", err)
	}
	defer rows.Close()

	var out []jobs.Finding
	for rows.Next() {
		var f jobs.Finding
		if err := rows.Scan(&f.Org, &f.Repo, &f.FilePath, &f.SourceType, &f.Detector, &f.Match, &f.Offsets[0], &f.Offsets[1], &f.Severity); err != nil {
			return nil, fmt.Errorf("store: scanning finding row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
