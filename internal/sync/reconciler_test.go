package sync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tasbih-sync-service/internal/backend"
	"tasbih-sync-service/internal/queue"
)

// fakeAuthority behaves like the backend counter authority: it applies each
// idempotency token at most once and answers repeats with the value from the
// first application.
type fakeAuthority struct {
	mu      sync.Mutex
	counter int64
	applied map[string]int64
	order   []string

	failToken     string // retryable failure, nothing applied
	lostAckToken  string // applied server-side, but the ack is "lost" once
	terminalToken string // validation rejection
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{applied: make(map[string]int64)}
}

func (f *fakeAuthority) Submit(_ context.Context, ev queue.Event) (*backend.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.order = append(f.order, ev.IdempotencyToken)

	if ev.IdempotencyToken == f.terminalToken {
		return nil, &backend.SubmitError{StatusCode: http.StatusUnprocessableEntity, Body: "invalid payload"}
	}
	if ev.IdempotencyToken == f.failToken {
		return nil, errors.New("network unreachable")
	}

	// Duplicate delivery: same authoritative state, delta not re-applied.
	if value, ok := f.applied[ev.IdempotencyToken]; ok {
		return &backend.Ack{CounterValue: value}, nil
	}

	if tap, ok := ev.Payload.(queue.TapPayload); ok {
		f.counter += tap.Delta
	}
	f.applied[ev.IdempotencyToken] = f.counter

	if ev.IdempotencyToken == f.lostAckToken {
		f.lostAckToken = ""
		return nil, errors.New("timeout waiting for response")
	}
	return &backend.Ack{CounterValue: f.counter}, nil
}

func (f *fakeAuthority) deliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeAuthority) value() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter
}

type fakeMirror struct {
	mu     sync.Mutex
	values map[string]int64
}

func (m *fakeMirror) ApplyAuthoritative(sessionID string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]int64)
	}
	m.values[sessionID] = value
}

func (m *fakeMirror) value(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[sessionID]
}

func newTestReconciler(t *testing.T, authority *fakeAuthority) (*Reconciler, *queue.Watched, *fakeMirror) {
	t.Helper()
	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	watched := queue.Watch(store)
	mirror := &fakeMirror{}
	rec := NewReconciler(watched, authority, mirror, Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond})
	return rec, watched, mirror
}

func enqueueTaps(t *testing.T, w *queue.Watched, deltas ...int64) []string {
	t.Helper()
	var tokens []string
	for _, d := range deltas {
		ev, err := w.Enqueue(context.Background(), queue.TapPayload{
			SessionID: "session-1", Delta: d, EventType: queue.TapSingle,
		})
		require.NoError(t, err)
		tokens = append(tokens, ev.IdempotencyToken)
	}
	return tokens
}

func TestFlushDeliversInOccurredAtOrder(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, mirror := newTestReconciler(t, authority)
	ctx := context.Background()

	tokens := enqueueTaps(t, watched, 1, 2, 3)

	require.NoError(t, rec.Flush(ctx))
	require.Equal(t, tokens, authority.deliveries())
	require.Equal(t, int64(6), authority.value())
	require.Equal(t, int64(6), mirror.value("session-1"))

	status, err := rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Pending)
	require.Equal(t, int64(3), status.Flushed)
}

func TestRetryableFailureHaltsPassAtFailingEvent(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, _ := newTestReconciler(t, authority)
	ctx := context.Background()

	tokens := enqueueTaps(t, watched, 1, 1, 1, 1, 1)
	authority.failToken = tokens[2]

	require.Error(t, rec.Flush(ctx))

	// Events 4 and 5 were never attempted in this pass.
	require.Equal(t, tokens[:3], authority.deliveries())

	status, err := rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, status.Pending)
	require.Equal(t, int64(2), status.Flushed)
	require.Equal(t, 1, status.RetryAttempt)
	require.NotEmpty(t, status.LastError)

	// Next pass resumes from the failing event, order intact.
	authority.failToken = ""
	require.NoError(t, rec.Flush(ctx))
	require.Equal(t, append(append([]string{}, tokens[:3]...), tokens[2], tokens[3], tokens[4]), authority.deliveries())
	require.Equal(t, int64(5), authority.value())

	status, err = rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Pending)
	require.Equal(t, 0, status.RetryAttempt)
	require.Empty(t, status.LastError)
}

func TestLostAckDoesNotDoubleCount(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, mirror := newTestReconciler(t, authority)
	ctx := context.Background()

	tokens := enqueueTaps(t, watched, 1, 2)
	// The backend applies A but the acknowledgement never arrives.
	authority.lostAckToken = tokens[0]

	require.Error(t, rec.Flush(ctx))
	require.Equal(t, int64(1), authority.value())

	// Retry resubmits A with the same stored token: the backend answers with
	// A's original effect, then B applies. Total reflects each delta once.
	require.NoError(t, rec.Flush(ctx))
	require.Equal(t, int64(3), authority.value())
	require.Equal(t, int64(3), mirror.value("session-1"))

	status, err := rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Pending)
}

func TestTerminalRejectionDropsEventAndKeepsQueueLive(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, _ := newTestReconciler(t, authority)
	ctx := context.Background()

	tokens := enqueueTaps(t, watched, 1, 4)
	authority.terminalToken = tokens[0]

	// The rejected event is marked synced to unblock the queue; the pass
	// continues with the next event.
	require.NoError(t, rec.Flush(ctx))
	require.Equal(t, tokens, authority.deliveries())
	require.Equal(t, int64(4), authority.value())

	status, err := rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Pending)
	require.Equal(t, int64(1), status.Flushed)
	require.Equal(t, int64(1), status.Dropped)
}

func TestEnqueueTriggersEagerFlush(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, _ := newTestReconciler(t, authority)

	rec.Start()
	defer rec.Stop()

	enqueueTaps(t, watched, 2)

	require.Eventually(t, func() bool {
		status, err := rec.Status(context.Background())
		return err == nil && status.Pending == 0 && status.Flushed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), authority.value())
}

func TestFlushPassesAreSerialized(t *testing.T) {
	authority := newFakeAuthority()
	rec, watched, _ := newTestReconciler(t, authority)
	ctx := context.Background()

	enqueueTaps(t, watched, 1, 1, 1, 1, 1, 1, 1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.Flush(ctx)
		}()
	}
	wg.Wait()

	// Concurrent triggers must not deliver any event twice or out of order.
	require.Equal(t, int64(8), authority.value())

	status, err := rec.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Pending)
	require.Equal(t, int64(8), status.Flushed)
}
