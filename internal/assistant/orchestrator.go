// Package assistant owns the overlay's open/closed state and wires the
// wake pipeline to the realtime transport. It is the only surface the
// presentation layer reads.
package assistant

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
	"github.com/normanking/eeknova-voice/internal/transport"
	"github.com/normanking/eeknova-voice/internal/wake"
)

// Session is the realtime transport surface the orchestrator drives.
type Session interface {
	Connect(ctx context.Context) error
	Close()
	State() transport.State
	LastError() string
	LastReply() string
	OnUserTranscript(fn func(text string))
}

// WakeListener is the wake pipeline surface the orchestrator drives.
type WakeListener interface {
	Enable()
	Disable()
	Status() wake.Status
	OnTranscript(fn func(text string))
}

// LevelMonitor is the idle-time microphone level feed.
type LevelMonitor interface {
	Enable()
	Disable()
}

// FallbackPipeline is the non-realtime voice pipeline, used when the
// transport is in its error state.
type FallbackPipeline interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	Complete(ctx context.Context, text, language string) (string, error)
	Speak(ctx context.Context, text string) ([]byte, string, error)
}

// Snapshot is the orchestrator's observable state, read by the overlay.
type Snapshot struct {
	Open           bool            `json:"open"`
	Language       string          `json:"language"`
	SessionState   transport.State `json:"sessionState"`
	SessionError   string          `json:"sessionError"`
	ListenerStatus wake.Status     `json:"listenerStatus"`
	LastReply      string          `json:"lastReply"`
}

// Orchestrator routes transcripts from both recognizers through the
// command interpreter and turns matches into overlay transitions. Opening
// connects the transport; closing tears it down, which frees the mic so
// the wake listener and level monitor resume on the arbiter's notify.
type Orchestrator struct {
	session  Session
	listener WakeListener
	monitor  LevelMonitor
	language func() string
	bus      *bus.EventBus
	logger   zerolog.Logger

	interp   *wake.Interpreter
	norm     *wake.Normalizer
	fallback FallbackPipeline

	mu   sync.Mutex
	open bool
}

// NewOrchestrator creates the orchestrator and its command interpreter.
// substitutions is the same misrecognition table the wake listener uses;
// transcripts from the transport arrive raw and are normalized here.
// language supplies the current settings language for snapshots.
func NewOrchestrator(
	interpCfg wake.InterpreterConfig,
	substitutions map[string]string,
	session Session,
	listener WakeListener,
	monitor LevelMonitor,
	language func() string,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		session:  session,
		listener: listener,
		monitor:  monitor,
		language: language,
		bus:      eventBus,
		logger:   logger.With().Str("component", "assistant").Logger(),
	}
	o.interp = wake.NewInterpreter(interpCfg, o.IsOpen, logger)
	o.norm = wake.NewNormalizer(substitutions)
	return o
}

// SetFallback installs the non-realtime pipeline.
func (o *Orchestrator) SetFallback(p FallbackPipeline) {
	o.fallback = p
}

// VoiceFallback runs one recorded utterance through the fallback pipeline:
// transcribe, complete, speak. Only available while the realtime transport
// is in its error state; the realtime path owns the conversation otherwise.
func (o *Orchestrator) VoiceFallback(ctx context.Context, audio []byte) (string, []byte, error) {
	if o.fallback == nil {
		return "", nil, errors.New("fallback pipeline not configured")
	}
	if o.session.State() != transport.StateError {
		return "", nil, errors.New("fallback only available while the transport is down")
	}

	text, err := o.fallback.Transcribe(ctx, audio, "utterance.wav")
	if err != nil {
		return "", nil, err
	}

	reply, err := o.fallback.Complete(ctx, text, o.language())
	if err != nil {
		return "", nil, err
	}
	o.bus.Publish(bus.Event{
		Type:    bus.EventTypeAssistantReplyDone,
		Payload: bus.ReplyDelta{Text: reply},
	})

	speech, _, err := o.fallback.Speak(ctx, reply)
	if err != nil {
		// The text reply is still useful without synthesized audio.
		o.logger.Warn().Err(err).Msg("fallback speech synthesis failed")
		return reply, nil, nil
	}
	return reply, speech, nil
}

// Start hooks up transcript routing and begins wake listening. The level
// monitor starts too; at its priority it simply parks whenever the wake
// listener or transport holds the mic.
func (o *Orchestrator) Start() {
	o.listener.OnTranscript(o.handleTranscript)
	o.session.OnUserTranscript(o.handleTranscript)
	o.listener.Enable()
	o.monitor.Enable()
	o.logger.Info().Msg("assistant orchestrator started")
}

// Stop shuts everything down.
func (o *Orchestrator) Stop() {
	o.Close()
	o.listener.Disable()
	o.monitor.Disable()
	o.logger.Info().Msg("assistant orchestrator stopped")
}

// IsOpen reports whether the overlay is open.
func (o *Orchestrator) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

// State returns the observable snapshot.
func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	open := o.open
	o.mu.Unlock()

	return Snapshot{
		Open:           open,
		Language:       o.language(),
		SessionState:   o.session.State(),
		SessionError:   o.session.LastError(),
		ListenerStatus: o.listener.Status(),
		LastReply:      o.session.LastReply(),
	}
}

// Open opens the overlay and starts connecting the transport. Opening an
// already-open assistant is a no-op.
func (o *Orchestrator) Open() {
	o.mu.Lock()
	if o.open {
		o.mu.Unlock()
		return
	}
	o.open = true
	o.mu.Unlock()

	o.logger.Info().Msg("assistant opened")
	o.bus.Publish(bus.Event{Type: bus.EventTypeAssistantOpened})

	// Connect runs the whole handshake; failures surface through the
	// session's own state and error events.
	go func() {
		if err := o.session.Connect(context.Background()); err != nil {
			o.logger.Error().Err(err).Msg("transport connect failed")
		}
	}()
}

// Close closes the overlay and tears the transport down. The session's
// delayed mic release then wakes whichever parked consumer has the highest
// priority. Closing an already-closed assistant is a no-op.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return
	}
	o.open = false
	o.mu.Unlock()

	o.logger.Info().Msg("assistant closed")
	o.session.Close()
	o.bus.Publish(bus.Event{Type: bus.EventTypeAssistantClosed})
}

// Toggle flips the overlay state, for a hotkey or tray action.
func (o *Orchestrator) Toggle() {
	if o.IsOpen() {
		o.Close()
	} else {
		o.Open()
	}
}

// handleTranscript routes one transcript through the interpreter. Both the
// wake recognizer and the transport's transcription stream land here, so
// exit phrases work mid-conversation. Normalizing twice is harmless, which
// keeps the two sources uniform.
func (o *Orchestrator) handleTranscript(text string) {
	match, ok := o.interp.Interpret(o.norm.Normalize(text))
	if !ok {
		return
	}

	o.bus.Publish(bus.Event{Type: bus.EventTypeCommandMatched, Payload: match})

	switch match.Kind {
	case wake.CommandWake:
		o.Open()
	case wake.CommandExit:
		o.Close()
	}
}
