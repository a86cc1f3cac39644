// Package journal records settled host fetches in a SQLite database so a
// test run can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// Memory opens a private in-memory journal.
const Memory = ":memory:"

// Entry is one settled exchange.
type Entry struct {
	Seq       int64
	Worker    string
	RequestID int
	Method    string
	URL       string
	Status    int    // 0 when the exchange failed
	Error     string // empty on success
	Started   time.Time
	Duration  time.Duration
}

// Journal is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS exchanges (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	worker     TEXT    NOT NULL,
	request_id INTEGER NOT NULL,
	method     TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	status     INTEGER NOT NULL,
	error      TEXT    NOT NULL,
	started    INTEGER NOT NULL,
	duration   INTEGER NOT NULL
)`

// Open opens (or creates) the journal at path. Memory gives a journal that
// lives as long as the returned value.
func Open(path string) (*Journal, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	if path == Memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends e. Seq is assigned by the journal.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO exchanges (worker, request_id, method, url, status, error, started, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Worker, e.RequestID, e.Method, e.URL, e.Status, e.Error,
		e.Started.UnixNano(), int64(e.Duration))
	if err != nil {
		return fmt.Errorf("recording request %d: %w", e.RequestID, err)
	}
	return nil
}

// List returns the entries recorded for worker in settlement order. An
// empty worker lists every entry.
func (j *Journal) List(ctx context.Context, worker string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, worker, request_id, method, url, status, error, started, duration
		 FROM exchanges WHERE ? = '' OR worker = ? ORDER BY seq`, worker, worker)
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			started  int64
			duration int64
		)
		if err := rows.Scan(&e.Seq, &e.Worker, &e.RequestID, &e.Method, &e.URL,
			&e.Status, &e.Error, &started, &duration); err != nil {
			return nil, fmt.Errorf("reading journal row: %w", err)
		}
		e.Started = time.Unix(0, started)
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
