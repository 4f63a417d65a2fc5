// Package ledger records every build attempt in a local SQLite database so
// failed runs, which never produce a manifest, remain inspectable.
package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a build attempt.
type Status string

// Build attempt states.
const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Entry is one build attempt.
type Entry struct {
	ID           string     `json:"id"`
	DatasetID    string     `json:"dataset_id"`
	Timestamp    string     `json:"timestamp"`
	Status       Status     `json:"status"`
	State        string     `json:"state"`
	ManifestPath string     `json:"manifest_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Ledger is an append-only log of build attempts.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and migrates it.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "ledger: mkdir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "ledger: exec %s", pragma)
		}
	}
	l := &Ledger{db: db, now: time.Now}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS builds (
	id            TEXT PRIMARY KEY,
	dataset_id    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	status        TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT '',
	manifest_path TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_builds_dataset ON builds(dataset_id, started_at);
`

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "ledger: migrate")
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Start records a new running attempt and returns its id.
func (l *Ledger) Start(ctx context.Context, datasetID, timestamp string) (string, error) {
	id := uuid.New().String()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO builds (id, dataset_id, timestamp, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, datasetID, timestamp, string(StatusRunning), l.now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "ledger: insert build for %s", datasetID)
	}
	return id, nil
}

// Complete marks an attempt as finished with a manifest.
func (l *Ledger) Complete(ctx context.Context, id, manifestPath string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, state = 'done', manifest_path = ?, completed_at = ? WHERE id = ?`,
		string(StatusComplete), manifestPath, l.now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: complete build %s", id)
	}
	return checkRowsAffected(res, id)
}

// Fail marks an attempt as failed in state with the error message.
func (l *Ledger) Fail(ctx context.Context, id, state string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, state = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(StatusFailed), state, msg, l.now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: fail build %s", id)
	}
	return checkRowsAffected(res, id)
}

// List returns the most recent attempts first, optionally for one dataset.
func (l *Ledger) List(ctx context.Context, datasetID string, limit int) ([]Entry, error) {
	query := `SELECT id, dataset_id, timestamp, status, state, manifest_path, error, started_at, completed_at
		FROM builds WHERE 1=1`
	var args []any
	if datasetID != "" {
		query += ` AND dataset_id = ?`
		args = append(args, datasetID)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list builds")
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.DatasetID, &e.Timestamp, &status, &e.State, &e.ManifestPath, &e.Error, &e.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "ledger: scan build")
		}
		e.Status = Status(status)
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "ledger: list builds iterate")
}

// ErrNotFound is returned when updating an unknown attempt.
var ErrNotFound = eris.New("ledger: build not found")

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}
