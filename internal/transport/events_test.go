package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

func collect(eventBus *bus.EventBus, types ...bus.EventType) chan bus.Event {
	ch := make(chan bus.Event, 16)
	eventBus.SubscribeMultiple(types, func(ev bus.Event) {
		ch <- ev
	})
	return ch
}

func waitEvent(t *testing.T, ch chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bus event")
		return bus.Event{}
	}
}

func TestRouterAccumulatesReplyTranscript(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())
	done := collect(eventBus, bus.EventTypeAssistantReplyDone)

	r.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":"Hello"}`))
	r.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":", there"}`))
	r.Handle([]byte(`{"type":"response.audio_transcript.done"}`))

	ev := waitEvent(t, done)
	delta, ok := ev.Payload.(bus.ReplyDelta)
	if !ok {
		t.Fatalf("Expected ReplyDelta payload, got %T", ev.Payload)
	}
	if delta.Text != "Hello, there" {
		t.Errorf("Expected accumulated reply 'Hello, there', got %q", delta.Text)
	}
	if r.LastReply() != "Hello, there" {
		t.Errorf("Expected LastReply 'Hello, there', got %q", r.LastReply())
	}
}

func TestRouterResetsAccumulatorBetweenReplies(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())

	r.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":"first"}`))
	r.Handle([]byte(`{"type":"response.audio_transcript.done"}`))
	r.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":"second"}`))
	r.Handle([]byte(`{"type":"response.audio_transcript.done"}`))

	if r.LastReply() != "second" {
		t.Errorf("Expected LastReply 'second', got %q", r.LastReply())
	}
}

func TestRouterUserTranscript(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())

	var got string
	r.OnUserTranscript(func(text string) { got = text })
	transcripts := collect(eventBus, bus.EventTypeTranscript)

	r.Handle([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"turn off please"}`))

	ev := waitEvent(t, transcripts)
	payload, ok := ev.Payload.(bus.TranscriptPayload)
	if !ok {
		t.Fatalf("Expected TranscriptPayload, got %T", ev.Payload)
	}
	if payload.Text != "turn off please" {
		t.Errorf("Expected transcript text, got %q", payload.Text)
	}
	if payload.Source != "transport" {
		t.Errorf("Expected source transport, got %q", payload.Source)
	}
	if got != "turn off please" {
		t.Errorf("Expected callback to fire with transcript, got %q", got)
	}
}

func TestRouterEmptyTranscriptIgnored(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())

	fired := false
	r.OnUserTranscript(func(string) { fired = true })
	r.Handle([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":""}`))

	if fired {
		t.Error("Expected empty transcript to be dropped")
	}
}

func TestRouterSpeechMarkers(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())
	ch := collect(eventBus, bus.EventTypeUserSpeechStarted, bus.EventTypeUserSpeechStopped)

	r.Handle([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if ev := waitEvent(t, ch); ev.Type != bus.EventTypeUserSpeechStarted {
		t.Errorf("Expected speech started event, got %s", ev.Type)
	}

	r.Handle([]byte(`{"type":"input_audio_buffer.speech_stopped"}`))
	if ev := waitEvent(t, ch); ev.Type != bus.EventTypeUserSpeechStopped {
		t.Errorf("Expected speech stopped event, got %s", ev.Type)
	}
}

func TestRouterSessionAck(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())

	acks := 0
	r.OnSessionAck(func() { acks++ })

	r.Handle([]byte(`{"type":"session.created"}`))
	r.Handle([]byte(`{"type":"session.updated"}`))

	if acks != 2 {
		t.Errorf("Expected 2 acks, got %d", acks)
	}
}

func TestRouterIgnoresUnknownAndMalformed(t *testing.T) {
	eventBus := bus.NewEventBus()
	r := newEventRouter(eventBus, zerolog.Nop())

	// Must not panic or publish anything.
	r.Handle([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	r.Handle([]byte(`{not json`))
	r.Handle([]byte(``))
	r.Handle([]byte(`{"type":"error","error":{"code":"session_expired","message":"expired"}}`))
}
