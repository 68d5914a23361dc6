package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tasbih-sync-service/internal/backend"
	"tasbih-sync-service/internal/logger"
	"tasbih-sync-service/internal/queue"
)

// Reconciler drains unsynced events to the counter authority in occurred_at
// order. Delivery is at-least-once; the backend deduplicates by idempotency
// token, so the observable effect is exactly-once.
//
// Per-event states: pending -> in-flight -> synced, or back to pending for
// a retryable failure. Synced is terminal.
type Reconciler struct {
	store  *queue.Watched
	submit Submitter
	mirror MirrorUpdater

	backoff Backoff

	// passMu serializes flush passes: a pass in progress must complete (or
	// fail) before the next one starts, preserving delivery order.
	passMu sync.Mutex

	// kick coalesces flush triggers; a trigger while a pass runs results in
	// exactly one follow-up pass.
	kick chan struct{}

	mu           sync.Mutex
	flushed      int64
	dropped      int64
	lastFlushAt  time.Time
	lastError    string
	retryAttempt int
	nextRetryAt  time.Time
	retryTimer   *time.Timer

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

func NewReconciler(store *queue.Watched, submit Submitter, mirror MirrorUpdater, backoff Backoff) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:   store,
		submit:  submit,
		mirror:  mirror,
		backoff: backoff,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the flush loop and begins flushing eagerly on every
// enqueue. It also triggers one initial pass to resync anything left over
// from a previous run.
func (r *Reconciler) Start() {
	r.unsubscribe = r.store.Subscribe(func(c queue.Change) {
		if c.Op == queue.OpEnqueue {
			r.TriggerFlush()
		}
	})

	r.wg.Add(1)
	go r.run()

	r.TriggerFlush()
}

// Stop halts the loop. A pass in flight completes its current event first.
func (r *Reconciler) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.mu.Unlock()
}

// TriggerFlush requests a flush pass. Non-blocking; triggers during a
// running pass coalesce into one follow-up.
func (r *Reconciler) TriggerFlush() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.kick:
			if err := r.Flush(r.ctx); err != nil {
				logger.Log.Debug("flush pass incomplete", zap.Error(err))
			}
		}
	}
}

// Flush runs one complete pass over the unsynced queue. On a retryable
// failure it halts at the failing event, leaves it and everything after it
// pending, and schedules a backoff retry; later events are never attempted
// out of order.
func (r *Reconciler) Flush(ctx context.Context) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	events, err := r.store.ListUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}

	for i := range events {
		ev := events[i]

		ack, err := r.submit.Submit(ctx, ev)
		if err != nil {
			if backend.IsTerminal(err) {
				// Marking a rejected event synced trades counter correctness
				// for queue liveness: a poison event must not block everything
				// behind it. The drop is logged and counted, not silent.
				logger.Log.Warn("backend rejected event terminally, dropping",
					zap.String("token", ev.IdempotencyToken),
					zap.String("kind", string(ev.Kind())),
					zap.Error(err),
				)
				if msErr := r.store.MarkSynced(ctx, ev.IdempotencyToken); msErr != nil {
					return r.failRetryable(fmt.Errorf("mark dropped event synced: %w", msErr))
				}
				r.mu.Lock()
				r.dropped++
				r.mu.Unlock()
				continue
			}
			return r.failRetryable(err)
		}

		if err := r.store.MarkSynced(ctx, ev.IdempotencyToken); err != nil {
			// The backend has applied the event; resubmitting the same token
			// later is safe, so treat this like any retryable halt.
			return r.failRetryable(fmt.Errorf("mark synced: %w", err))
		}

		if tap, ok := ev.Payload.(queue.TapPayload); ok && r.mirror != nil {
			r.mirror.ApplyAuthoritative(tap.SessionID, ack.CounterValue)
		}

		r.mu.Lock()
		r.flushed++
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.lastFlushAt = time.Now().UTC()
	r.lastError = ""
	r.retryAttempt = 0
	r.nextRetryAt = time.Time{}
	r.mu.Unlock()

	if len(events) > 0 {
		logger.Log.Info("flush pass complete", zap.Int("events", len(events)))
	}
	return nil
}

func (r *Reconciler) failRetryable(err error) error {
	r.mu.Lock()
	r.lastError = err.Error()
	r.retryAttempt++
	delay := r.backoff.Delay(r.retryAttempt)
	r.nextRetryAt = time.Now().UTC().Add(delay)
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.retryTimer = time.AfterFunc(delay, r.TriggerFlush)
	attempt := r.retryAttempt
	r.mu.Unlock()

	logger.Log.Warn("flush halted, retry scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	return err
}

// Status reports reconciler progress, including the live unsynced count.
func (r *Reconciler) Status(ctx context.Context) (Status, error) {
	pending, err := r.store.ListUnsynced(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list unsynced: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Pending:      len(pending),
		Flushed:      r.flushed,
		Dropped:      r.dropped,
		LastFlushAt:  r.lastFlushAt,
		LastError:    r.lastError,
		RetryAttempt: r.retryAttempt,
		NextRetryAt:  r.nextRetryAt,
	}, nil
}
