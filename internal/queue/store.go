package queue

import (
	"context"
	"fmt"
	"sync"

	"tasbih-sync-service/internal/config"
)

// Store is the durable offline event queue. All mutations are atomic
// single-record operations; a prune pass and a flush pass can interleave
// without ever observing a half-written record.
type Store interface {
	// Enqueue persists a new event with a fresh idempotency token and
	// occurredAt = now, and returns it before any network I/O happens.
	Enqueue(ctx context.Context, p Payload) (*Event, error)

	// ListUnsynced returns all unacknowledged events ordered by occurred_at
	// ascending, ties broken by insertion order.
	ListUnsynced(ctx context.Context) ([]Event, error)

	// MarkSynced flags the event as acknowledged. Marking a missing or
	// already-synced token is a no-op, not an error.
	MarkSynced(ctx context.Context, token string) error

	// Prune deletes synced events older than the retention window and
	// returns the number removed. Unsynced events are never deleted,
	// regardless of age.
	Prune(ctx context.Context, retentionDays int) (int64, error)

	// Recent returns up to limit events by occurred_at descending, for
	// diagnostics and history views.
	Recent(ctx context.Context, limit int) ([]Event, error)

	Close() error
}

// NewStore opens the queue store selected by the config.
func NewStore(cfg config.QueueStorage) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.FilePath)
	case "mysql":
		return NewMySQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported queue storage type %q", cfg.Type)
	}
}

type Op string

const (
	OpEnqueue    Op = "enqueue"
	OpMarkSynced Op = "markSynced"
	OpPrune      Op = "prune"
)

// Change describes a committed store mutation delivered to subscribers.
type Change struct {
	Op     Op
	Token  string
	Kind   Kind
	Pruned int64
}

// Watched decorates a Store with change notifications. The store remains
// the single source of truth; subscribers are invoked after every committed
// mutation.
type Watched struct {
	Store

	mu   sync.Mutex
	subs map[int]func(Change)
	next int
}

func Watch(s Store) *Watched {
	return &Watched{Store: s, subs: make(map[int]func(Change))}
}

// Subscribe registers fn for change notifications and returns an
// unsubscribe function.
func (w *Watched) Subscribe(fn func(Change)) func() {
	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *Watched) notify(c Change) {
	w.mu.Lock()
	fns := make([]func(Change), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (w *Watched) Enqueue(ctx context.Context, p Payload) (*Event, error) {
	ev, err := w.Store.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	w.notify(Change{Op: OpEnqueue, Token: ev.IdempotencyToken, Kind: ev.Kind()})
	return ev, nil
}

func (w *Watched) MarkSynced(ctx context.Context, token string) error {
	if err := w.Store.MarkSynced(ctx, token); err != nil {
		return err
	}
	w.notify(Change{Op: OpMarkSynced, Token: token})
	return nil
}

func (w *Watched) Prune(ctx context.Context, retentionDays int) (int64, error) {
	n, err := w.Store.Prune(ctx, retentionDays)
	if err != nil {
		return n, err
	}
	if n > 0 {
		w.notify(Change{Op: OpPrune, Pruned: n})
	}
	return n, nil
}
