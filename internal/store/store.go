package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Transfer statuses recorded in the history table.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Transfer is one row of download history.
type Transfer struct {
	ID         string
	URL        string
	Output     string
	Size       uint64
	Bytes      uint64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store keeps a local transfer history in sqlite. It is advisory: callers
// log failures and carry on, a broken history database must never break a
// download.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	output      TEXT NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transfers_started_at ON transfers(started_at);
`

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordStart inserts a new transfer row in the started state.
func (s *Store) RecordStart(ctx context.Context, t *Transfer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, url, output, size, bytes, status, error, started_at)
		VALUES (?, ?, ?, ?, 0, ?, '', ?)`,
		t.ID, t.URL, t.Output, t.Size, StatusStarted, t.StartedAt.UTC(),
	)
	return err
}

// RecordFinish marks a transfer completed or failed.
func (s *Store) RecordFinish(ctx context.Context, id, status string, bytes uint64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = ?, bytes = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		status, bytes, errMsg, time.Now().UTC(), id,
	)
	return err
}

// Recent returns the most recent transfers, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transfer, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, output, size, bytes, status, error, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		var finished sql.NullTime
		if err := rows.Scan(&t.ID, &t.URL, &t.Output, &t.Size, &t.Bytes, &t.Status, &t.Error, &t.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan transfer row: %w", err)
		}
		if finished.Valid {
			t.FinishedAt = finished.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
