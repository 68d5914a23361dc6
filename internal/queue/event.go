package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindTap          Kind = "tap"
	KindLearnMark    Kind = "learnMark"
	KindSessionStart Kind = "sessionStart"
	KindSessionEnd   Kind = "sessionEnd"
)

// TapType distinguishes how a tap delta was produced.
type TapType string

const (
	TapSingle    TapType = "tap"
	TapBulk      TapType = "bulk"
	TapRepeat    TapType = "repeat"
	TapAutoReset TapType = "autoReset"
)

// Payload is the closed set of event payload variants. Each variant carries
// exactly the fields its kind requires, so consumers never probe optional
// fields at runtime.
type Payload interface {
	Kind() Kind
}

type TapPayload struct {
	SessionID     string  `json:"session_id"`
	Delta         int64   `json:"delta"`
	EventType     TapType `json:"event_type"`
	PrayerSegment string  `json:"prayer_segment,omitempty"`
}

func (TapPayload) Kind() Kind { return KindTap }

type LearnMarkPayload struct {
	GoalID string `json:"goal_id"`
}

func (LearnMarkPayload) Kind() Kind { return KindLearnMark }

type SessionStartPayload struct {
	SessionID     string `json:"session_id"`
	GoalID        string `json:"goal_id,omitempty"`
	Category      string `json:"category,omitempty"`
	PrayerSegment string `json:"prayer_segment,omitempty"`
}

func (SessionStartPayload) Kind() Kind { return KindSessionStart }

type SessionEndPayload struct {
	SessionID string `json:"session_id"`
}

func (SessionEndPayload) Kind() Kind { return KindSessionEnd }

// Event is one durable queue record. IdempotencyToken is assigned exactly
// once, at creation, and reused verbatim on every delivery attempt.
type Event struct {
	ID               int64
	IdempotencyToken string
	Payload          Payload
	OccurredAt       time.Time
	Synced           bool
}

func (e *Event) Kind() Kind { return e.Payload.Kind() }

func marshalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return raw, nil
}

func unmarshalPayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindTap:
		var p TapPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal tap payload: %w", err)
		}
		return p, nil
	case KindLearnMark:
		var p LearnMarkPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal learnMark payload: %w", err)
		}
		return p, nil
	case KindSessionStart:
		var p SessionStartPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal sessionStart payload: %w", err)
		}
		return p, nil
	case KindSessionEnd:
		var p SessionEndPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal sessionEnd payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
