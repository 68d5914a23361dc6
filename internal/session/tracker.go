package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tasbih-sync-service/internal/logger"
	"tasbih-sync-service/internal/queue"
)

// Tracker groups tap events under counter sessions and keeps the optimistic
// mirror current. Every user action becomes an offline queue event; the
// tracker never waits on the network.
//
// The store does not enforce a single open session; that is a caller
// convention.
type Tracker struct {
	store  queue.Store
	mirror *Mirror
}

func NewTracker(store queue.Store) *Tracker {
	return &Tracker{store: store, mirror: NewMirror()}
}

// TapResult is returned synchronously from RecordTap. Value is the
// optimistic local counter, valid even when Queued is false because the
// durable write failed.
type TapResult struct {
	Token  string
	Value  int64
	Queued bool
}

// StartSession opens a new counter session and queues its sessionStart
// event. The session ID is always returned; a storage failure degrades the
// session to memory-only and is reported alongside it.
func (t *Tracker) StartSession(ctx context.Context, goalID, category, prayerSegment string) (string, error) {
	sessionID := uuid.New().String()

	_, err := t.store.Enqueue(ctx, queue.SessionStartPayload{
		SessionID:     sessionID,
		GoalID:        goalID,
		Category:      category,
		PrayerSegment: prayerSegment,
	})
	if err != nil {
		logger.Log.Warn("sessionStart not queued, session degraded to memory-only",
			zap.String("sessionID", sessionID), zap.Error(err))
		return sessionID, err
	}
	return sessionID, nil
}

// RecordTap applies the delta to the optimistic mirror and queues the tap
// event. The mirror advances before the durable write, so a storage failure
// never blocks the interaction path.
func (t *Tracker) RecordTap(ctx context.Context, sessionID string, delta int64, eventType queue.TapType, prayerSegment string) (TapResult, error) {
	if sessionID == "" {
		return TapResult{}, fmt.Errorf("session id is required")
	}

	value := t.mirror.Add(sessionID, delta)

	ev, err := t.store.Enqueue(ctx, queue.TapPayload{
		SessionID:     sessionID,
		Delta:         delta,
		EventType:     eventType,
		PrayerSegment: prayerSegment,
	})
	if err != nil {
		logger.Log.Warn("tap not queued, lost for sync",
			zap.String("sessionID", sessionID), zap.Int64("delta", delta), zap.Error(err))
		return TapResult{Value: value}, err
	}

	return TapResult{Token: ev.IdempotencyToken, Value: value, Queued: true}, nil
}

// EndSession queues the sessionEnd event.
func (t *Tracker) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := t.store.Enqueue(ctx, queue.SessionEndPayload{SessionID: sessionID})
	return err
}

// MarkLearned queues a learnMark event for the goal.
func (t *Tracker) MarkLearned(ctx context.Context, goalID string) (string, error) {
	if goalID == "" {
		return "", fmt.Errorf("goal id is required")
	}
	ev, err := t.store.Enqueue(ctx, queue.LearnMarkPayload{GoalID: goalID})
	if err != nil {
		return "", err
	}
	return ev.IdempotencyToken, nil
}

// Value returns the current optimistic counter for the session.
func (t *Tracker) Value(sessionID string) int64 {
	return t.mirror.Value(sessionID)
}

// ApplyAuthoritative replaces the optimistic value with the backend's.
// Called by the reconciler after each acknowledged tap.
func (t *Tracker) ApplyAuthoritative(sessionID string, value int64) {
	t.mirror.Set(sessionID, value)
}
