package events

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// EventSink receives events published during a request/response cycle.
// Sinks must be safe for use from the goroutine driving the cycle.
type EventSink interface {
	PublishEvent(event Event) error
}

// WatermillSink publishes events as JSON messages on a watermill topic.
// This is the hand-off point to UI subscribers: the router dispatches the
// messages to whatever handlers the UI layer registered.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

var _ EventSink = (*WatermillSink)(nil)

func (s *WatermillSink) PublishEvent(event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	return s.publisher.Publish(s.topic, msg)
}

// CollectorSink buffers events in memory, mostly for tests and for callers
// that want to inspect a full cycle after the fact.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

var _ EventSink = (*CollectorSink)(nil)

func (s *CollectorSink) PublishEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *CollectorSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Event, len(s.events))
	copy(ret, s.events)
	return ret
}

// PublishToSinks sends the event to every sink, logging and continuing on
// individual failures so one slow subscriber cannot break the cycle.
func PublishToSinks(sinks []EventSink, event Event) {
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event to sink")
		}
	}
}
