// Package audit records completed service requests in SQLite.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/aixterm/internal/shared"
)

// Entry is one completed request.
type Entry struct {
	RequestID string
	Type      string
	Status    string
	ErrorCode string
	Duration  time.Duration
	CreatedAt time.Time
}

// Log is an append-only request log backed by a single SQLite file.
type Log struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the request log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db}
	if err := l.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS requests (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			type        TEXT NOT NULL,
			status      TEXT NOT NULL,
			error_code  TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);",
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Record appends e. Writes retry while SQLite reports the database busy.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.New("audit log closed")
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	requestID := shared.Redact(e.RequestID)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO requests (request_id, type, status, error_code, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, requestID, e.Type, e.Status, e.ErrorCode, e.Duration.Milliseconds(), e.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil && !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(busyBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// CountByStatus returns the number of recorded requests per status.
func (l *Log) CountByStatus(ctx context.Context) (map[string]int64, error) {
	if l == nil {
		return map[string]int64{}, nil
	}
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM requests GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, type, status, error_code, duration_ms, created_at
		FROM requests ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		var created string
		if err := rows.Scan(&e.RequestID, &e.Type, &e.Status, &e.ErrorCode, &ms, &created); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.db.Close()
}

func busyBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// isBusy reports SQLITE_BUSY and SQLITE_LOCKED.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
