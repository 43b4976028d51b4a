package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates live observation events emitted during a call.
type EventType string

const (
	EventUserMessage EventType = "user-message"
	EventAIThinking  EventType = "ai-thinking"
	EventAIMessage   EventType = "ai-message"
	EventSilence     EventType = "silence"
	EventCallEnded   EventType = "call-ended"
)

// Event is a single observation emitted while a call is live. Delivery
// is best-effort; consumers that fall behind lose events rather than
// stalling the audio pipeline.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CallID    string    `json:"call_id"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(eventType EventType, callID, text string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		CallID:    callID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Notifier receives live call events. Implementations must never block.
type Notifier interface {
	Publish(event Event)
}

// ChannelNotifier fans events out over a buffered channel, dropping
// events when the consumer falls behind.
type ChannelNotifier struct {
	events chan Event
}

func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{events: make(chan Event, buffer)}
}

func (n *ChannelNotifier) Publish(event Event) {
	select {
	case n.events <- event:
	default:
		// consumer is behind; drop rather than stall the pipeline
	}
}

// Events exposes the stream for a single consumer.
func (n *ChannelNotifier) Events() <-chan Event {
	return n.events
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}
