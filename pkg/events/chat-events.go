package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal cover one text completion cycle.
	EventTypeStart             EventType = "start"
	EventTypeFinal             EventType = "final"
	EventTypePartialCompletion EventType = "partial"
	EventTypeError             EventType = "error"
	// EventTypeInterrupt is published when a stream drops after partial
	// fragments were already delivered. The partial text rides along.
	EventTypeInterrupt EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// Usage represents token usage information as reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

// EventMetadata consolidates inference metadata for UI/storage/aggregation.
type EventMetadata struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id,omitempty"`

	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	StopReason  *string  `json:"stop_reason,omitempty"`
	Usage       *Usage   `json:"usage,omitempty"`
	DurationMs  *int64   `json:"duration_ms,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != nil {
		e.Str("stop_reason", *em.StopReason)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see
	// NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStart,
			Metadata_: metadata,
		},
	}
}

var _ Event = &EventStart{}

type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the accumulated text so far, so UI layers can render
	// progressively without keeping their own state.
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl: EventImpl{
			Type_:     EventTypePartialCompletion,
			Metadata_: metadata,
		},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: errStr,
	}
}

var _ Event = &EventError{}

type EventInterrupt struct {
	EventImpl
	// Text is the partial completion accumulated before the interruption.
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{
			Type_:     EventTypeInterrupt,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventInterrupt{}

// NewEventFromJson decodes a serialized event back into its concrete type,
// so router handlers can switch on the result.
func NewEventFromJson(b []byte) (Event, error) {
	var e EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		ret := &EventStart{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypePartialCompletion:
		ret := &EventPartialCompletion{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeFinal:
		ret := &EventFinal{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeError:
		ret := &EventError{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeInterrupt:
		ret := &EventInterrupt{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	default:
		return nil, errors.Errorf("unknown event type %q", e.Type_)
	}
}
