// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types for the voice orchestrator
const (
	// Microphone events
	EventTypeLeaseChanged EventType = "mic.lease_changed"

	// Assistant lifecycle events
	EventTypeAssistantOpened EventType = "assistant.opened"
	EventTypeAssistantClosed EventType = "assistant.closed"

	// Transport events
	EventTypeSessionStateChanged EventType = "transport.state_changed"
	EventTypeSessionError        EventType = "transport.error"

	// Wake listener events
	EventTypeListenerStatusChanged EventType = "wake.status_changed"
	EventTypeTranscript            EventType = "wake.transcript"
	EventTypeCommandMatched        EventType = "wake.command_matched"

	// Audio telemetry events
	EventTypeAudioLevel EventType = "audio.level"

	// Conversation events from the transport's own transcription
	EventTypeAssistantReplyDelta EventType = "assistant.reply_delta"
	EventTypeAssistantReplyDone  EventType = "assistant.reply_done"
	EventTypeUserSpeechStarted   EventType = "assistant.user_speech_started"
	EventTypeUserSpeechStopped   EventType = "assistant.user_speech_stopped"
)

// AudioSource identifies which stream an audio level sample was computed from.
type AudioSource string

const (
	SourceLocal  AudioSource = "local"
	SourceRemote AudioSource = "remote"
)

// AudioLevelSample is the telemetry payload consumed by animation code.
// Consumers only ever care about the latest sample; there is no backlog.
type AudioLevelSample struct {
	Level      float64     `json:"level"` // 0..1
	IsSpeaking bool        `json:"isSpeaking"`
	Source     AudioSource `json:"source"`
	Timestamp  time.Time   `json:"timestamp"`
}

// LeaseChange describes a microphone ownership transition.
type LeaseChange struct {
	Holder   string    `json:"holder"` // empty when the mic is free
	Previous string    `json:"previous"`
	At       time.Time `json:"at"`
}

// TranscriptPayload carries a normalized transcript from either recognizer.
type TranscriptPayload struct {
	Source    string    `json:"source"` // "wake" or "transport"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyDelta carries a fragment of the assistant's spoken reply transcript.
type ReplyDelta struct {
	Text string `json:"text"`
}

// Event represents a bus event with a typed payload
type Event struct {
	Type    EventType
	Payload any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers.
// Handlers run in their own goroutines so a slow consumer never blocks the
// publisher (fire-and-forget, no backpressure).
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
