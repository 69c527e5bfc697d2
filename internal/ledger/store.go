// ABOUTME: SQLite history of finished jobs using modernc.org/sqlite
// ABOUTME: An audit trail only, queue and worker state are never stored here

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome kinds.
const (
	KindCompleted = "completed"
	KindExpired   = "expired"
	KindRejected  = "rejected"
)

// Outcome is the final state of one job.
type Outcome struct {
	RequestID  string
	Method     string
	URL        string
	WorkerID   string
	Status     int
	Kind       string
	Error      string
	Queued     time.Duration
	FinishedAt time.Time
}

// Store persists outcomes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory database. Parent directories are created if needed.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// Every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS job_outcomes (
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			worker_id TEXT,
			status INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			queued_ms INTEGER NOT NULL,
			finished_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_job_outcomes_finished
			ON job_outcomes(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert writes one outcome.
func (s *Store) Insert(ctx context.Context, o Outcome) error {
	query := `
		INSERT INTO job_outcomes (
			request_id, method, url, worker_id, status, outcome, error, queued_ms, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.RequestID,
		o.Method,
		o.URL,
		nullString(o.WorkerID),
		o.Status,
		o.Kind,
		nullString(o.Error),
		o.Queued.Milliseconds(),
		o.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting outcome %s: %w", o.RequestID, err)
	}
	return nil
}

// Summary counts outcomes by kind.
func (s *Store) Summary(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM job_outcomes GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("querying outcome summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		summary[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}
	return summary, nil
}

// Recent returns up to limit outcomes, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Outcome, error) {
	query := `
		SELECT request_id, method, url, worker_id, status, outcome, error, queued_ms, finished_at
		FROM job_outcomes
		ORDER BY finished_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var (
			o          Outcome
			workerID   sql.NullString
			errText    sql.NullString
			queuedMS   int64
			finishedAt string
		)
		if err := rows.Scan(&o.RequestID, &o.Method, &o.URL, &workerID, &o.Status,
			&o.Kind, &errText, &queuedMS, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.WorkerID = workerID.String
		o.Error = errText.String
		o.Queued = time.Duration(queuedMS) * time.Millisecond
		o.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
