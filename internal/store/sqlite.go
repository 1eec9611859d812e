package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/careloop-ai/careloop/internal/model"
)

// schema is applied on open. Both tables are tiny: documents holds one row
// per singleton document, event_log grows append-only.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_log (
	seq         INTEGER PRIMARY KEY,
	event_id    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     BLOB NOT NULL,
	occurred_at TEXT NOT NULL
);
`

// DB is a SQLite-backed DocumentStore plus the durable event-log audit table.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. Pass ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// modernc/sqlite serialises writes itself; a single connection avoids
	// SQLITE_BUSY and makes ":memory:" behave as one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Read returns the body of the named document, or ErrNotFound.
func (d *DB) Read(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", name, err)
	}
	return body, nil
}

// Write replaces the named document. Last writer wins.
func (d *DB) Write(ctx context.Context, name string, body []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		name, body, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return nil
}

// AppendLogEntry records a log entry in the durable audit table. The
// sequence number is assigned by the in-memory log, which owns ordering;
// this table is a durable copy read back only at startup.
func (d *DB) AppendLogEntry(ctx context.Context, e model.LogEntry) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO event_log (seq, event_id, event_type, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		e.Seq, e.ID.String(), e.Type, []byte(e.Payload), e.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: append log entry: %w", err)
	}
	return nil
}

// RecentLogEntries returns the most recent limit entries in ascending
// sequence order.
func (d *DB) RecentLogEntries(ctx context.Context, limit int) ([]model.LogEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, event_id, event_type, payload, occurred_at FROM
		 (SELECT * FROM event_log ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query log: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var (
			e       model.LogEntry
			id, at  string
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &id, &e.Type, &payload, &at); err != nil {
			return nil, fmt.Errorf("store: scan log entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: parse event id: %w", err)
		}
		if e.OccurredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("store: parse event time: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
