package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the on-device queue backend. The database is opened in WAL
// mode with a single-writer connection pool so overlapping reads never hit
// SQLITE_BUSY during a write.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates or opens the queue database at path. Safe to call
// repeatedly; schema application is idempotent.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, p Payload) (*Event, error) {
	raw, err := marshalPayload(p)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		IdempotencyToken: NewIdempotencyToken(),
		Payload:          p,
		OccurredAt:       s.now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_events (idempotency_token, kind, payload, occurred_at, synced)
		 VALUES (?, ?, ?, ?, 0)`,
		ev.IdempotencyToken, string(p.Kind()), string(raw), ev.OccurredAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	ev.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue event id: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) ListUnsynced(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idempotency_token, kind, payload, occurred_at, synced
		 FROM offline_events
		 WHERE synced = 0
		 ORDER BY occurred_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_events SET synced = 1 WHERE idempotency_token = ? AND synced = 0`,
		token,
	)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_events WHERE synced = 1 AND occurred_at < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idempotency_token, kind, payload, occurred_at, synced
		 FROM offline_events
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev         Event
			kind       string
			payload    []byte
			occurredNs int64
		)
		if err := rows.Scan(&ev.ID, &ev.IdempotencyToken, &kind, &payload, &occurredNs, &ev.Synced); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		p, err := unmarshalPayload(Kind(kind), payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = p
		ev.OccurredAt = time.Unix(0, occurredNs).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
