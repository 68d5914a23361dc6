package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/queue"
)

// Client talks to the Backend Counter Authority. The backend deduplicates
// submissions by idempotency token, so calling Submit twice with the same
// event applies the delta exactly once.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		http:      &http.Client{Timeout: cfg.GetTimeout()},
	}
}

// SubmitRequest is the wire form of one queued event.
type SubmitRequest struct {
	IdempotencyToken string    `json:"idempotency_token"`
	Kind             string    `json:"kind"`
	OccurredAt       time.Time `json:"occurred_at"`
	SessionID        string    `json:"session_id,omitempty"`
	GoalID           string    `json:"goal_id,omitempty"`
	Category         string    `json:"category,omitempty"`
	Delta            int64     `json:"delta,omitempty"`
	EventType        string    `json:"event_type,omitempty"`
	PrayerSegment    string    `json:"prayer_segment,omitempty"`
}

type GoalProgress struct {
	GoalID      string `json:"goal_id"`
	Progress    int64  `json:"progress"`
	Target      int64  `json:"target"`
	IsCompleted bool   `json:"is_completed"`
}

type DailyAzkar struct {
	Segments   map[string]int64 `json:"segments"`
	Total      int64            `json:"total"`
	IsComplete bool             `json:"is_complete"`
}

// Ack carries the authoritative state after the backend applied (or
// recognized it had already applied) the event.
type Ack struct {
	CounterValue int64         `json:"counter_value"`
	Goal         *GoalProgress `json:"goal,omitempty"`
	DailyAzkar   *DailyAzkar   `json:"daily_azkar,omitempty"`
}

// SubmitError is a non-2xx response from the backend.
type SubmitError struct {
	StatusCode int
	Body       string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("backend rejected event: status=%d body=%q", e.StatusCode, e.Body)
}

// Terminal reports whether retrying the same event can ever succeed.
// Validation rejections (4xx) are terminal; 408 and 429 are transient
// server-side conditions and stay retryable, as do 5xx.
func (e *SubmitError) Terminal() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsTerminal classifies a Submit failure. Transport errors and timeouts are
// always retryable.
func IsTerminal(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Terminal()
}

// Submit delivers one event. The request carries the event's stored
// idempotency token, never a freshly generated one.
func (c *Client) Submit(ctx context.Context, ev queue.Event) (*Ack, error) {
	req := SubmitRequest{
		IdempotencyToken: ev.IdempotencyToken,
		Kind:             string(ev.Kind()),
		OccurredAt:       ev.OccurredAt,
	}

	switch p := ev.Payload.(type) {
	case queue.TapPayload:
		req.SessionID = p.SessionID
		req.Delta = p.Delta
		req.EventType = string(p.EventType)
		req.PrayerSegment = p.PrayerSegment
	case queue.LearnMarkPayload:
		req.GoalID = p.GoalID
	case queue.SessionStartPayload:
		req.SessionID = p.SessionID
		req.GoalID = p.GoalID
		req.Category = p.Category
		req.PrayerSegment = p.PrayerSegment
	case queue.SessionEndPayload:
		req.SessionID = p.SessionID
	default:
		return nil, fmt.Errorf("unsupported payload type %T", ev.Payload)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &SubmitError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &ack, nil
}
