package sync

import (
	"context"
	"time"

	"tasbih-sync-service/internal/backend"
	"tasbih-sync-service/internal/queue"
)

// Submitter delivers one event to the counter authority. Implemented by
// *backend.Client; tests substitute fakes.
type Submitter interface {
	Submit(ctx context.Context, ev queue.Event) (*backend.Ack, error)
}

// MirrorUpdater receives authoritative counter values after acknowledged
// taps. Implemented by *session.Tracker.
type MirrorUpdater interface {
	ApplyAuthoritative(sessionID string, value int64)
}

// Status is a snapshot of reconciler progress for the control API.
//
// Dropped counts events the backend rejected terminally; they were marked
// synced to keep the queue live, so each one is lost user data and worth
// alerting on.
type Status struct {
	Pending      int       `json:"pending"`
	Flushed      int64     `json:"flushed"`
	Dropped      int64     `json:"dropped"`
	LastFlushAt  time.Time `json:"last_flush_at"`
	LastError    string    `json:"last_error,omitempty"`
	RetryAttempt int       `json:"retry_attempt"`
	NextRetryAt  time.Time `json:"next_retry_at,omitempty"`
}
