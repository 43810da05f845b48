package transport

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// serverEvent is the JSON envelope on the data channel. Only the fields the
// orchestrator cares about are decoded; unrecognized types are ignored, not
// errors.
type serverEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *serverEventErr `json:"error,omitempty"`
	Response   *serverResponse `json:"response,omitempty"`
}

type serverEventErr struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type serverResponse struct {
	Status string `json:"status,omitempty"`
}

// eventRouter dispatches decoded data-channel events and accumulates the
// assistant's streamed reply transcript so the UI can read the current
// reply without replaying deltas.
type eventRouter struct {
	bus    *bus.EventBus
	logger zerolog.Logger

	mu           sync.Mutex
	reply        strings.Builder
	lastReply    string
	onUserText   func(text string)
	onSessionAck func()
}

func newEventRouter(eventBus *bus.EventBus, logger zerolog.Logger) *eventRouter {
	return &eventRouter{
		bus:    eventBus,
		logger: logger.With().Str("component", "transport-events").Logger(),
	}
}

// OnUserTranscript registers the callback receiving the user's recognized
// speech from the transport's own transcription stream.
func (r *eventRouter) OnUserTranscript(fn func(text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserText = fn
}

// OnSessionAck registers the callback fired when the server acknowledges
// the session.
func (r *eventRouter) OnSessionAck(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSessionAck = fn
}

// LastReply returns the most recently completed assistant reply.
func (r *eventRouter) LastReply() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReply
}

// Handle decodes and dispatches one data-channel message.
func (r *eventRouter) Handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn().Err(err).Msg("unparseable server event")
		return
	}

	switch ev.Type {
	case "session.created", "session.updated":
		r.mu.Lock()
		ack := r.onSessionAck
		r.mu.Unlock()
		if ack != nil {
			ack()
		}

	case "input_audio_buffer.speech_started":
		r.bus.Publish(bus.Event{Type: bus.EventTypeUserSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		r.bus.Publish(bus.Event{Type: bus.EventTypeUserSpeechStopped})

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return
		}
		r.bus.Publish(bus.Event{
			Type: bus.EventTypeTranscript,
			Payload: bus.TranscriptPayload{
				Source:    "transport",
				Text:      ev.Transcript,
				Timestamp: time.Now(),
			},
		})
		r.mu.Lock()
		fn := r.onUserText
		r.mu.Unlock()
		if fn != nil {
			fn(ev.Transcript)
		}

	case "response.audio_transcript.delta":
		r.mu.Lock()
		r.reply.WriteString(ev.Delta)
		r.mu.Unlock()
		r.bus.Publish(bus.Event{
			Type:    bus.EventTypeAssistantReplyDelta,
			Payload: bus.ReplyDelta{Text: ev.Delta},
		})

	case "response.audio_transcript.done":
		r.mu.Lock()
		r.lastReply = r.reply.String()
		r.reply.Reset()
		done := r.lastReply
		r.mu.Unlock()
		r.bus.Publish(bus.Event{
			Type:    bus.EventTypeAssistantReplyDone,
			Payload: bus.ReplyDelta{Text: done},
		})

	case "response.done":
		// Response lifecycle completion marker; nothing to accumulate.

	case "error":
		if ev.Error != nil {
			r.logger.Error().
				Str("code", ev.Error.Code).
				Str("message", ev.Error.Message).
				Msg("server event error")
		}

	default:
		// Unknown event types are expected as the protocol grows.
	}
}
