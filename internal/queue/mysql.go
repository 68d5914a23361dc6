package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/logger"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS offline_events (
    id                BIGINT      NOT NULL AUTO_INCREMENT,
    idempotency_token VARCHAR(36) NOT NULL,
    kind              VARCHAR(32) NOT NULL,
    payload           JSON        NOT NULL,
    occurred_at       BIGINT      NOT NULL,
    synced            TINYINT(1)  NOT NULL DEFAULT 0,
    PRIMARY KEY (id),
    UNIQUE KEY uq_offline_events_token (idempotency_token),
    KEY idx_offline_events_flush (synced, occurred_at, id),
    KEY idx_offline_events_occurred (occurred_at)
)`

// MySQLStore backs the queue with a host-local MySQL instance.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLStore(cfg config.QueueStorage) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for queue DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("ping mysql after retries: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	return &MySQLStore{db: db, now: time.Now}, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Enqueue(ctx context.Context, p Payload) (*Event, error) {
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

func (s *MySQLStore) ListUnsynced(ctx context.Context) ([]Event, error) {
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

func (s *MySQLStore) MarkSynced(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_events SET synced = 1 WHERE idempotency_token = ? AND synced = 0`,
		token,
	)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (s *MySQLStore) Prune(ctx context.Context, retentionDays int) (int64, error) {
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

func (s *MySQLStore) Recent(ctx context.Context, limit int) ([]Event, error) {
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
