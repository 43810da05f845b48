package wake

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
	"github.com/normanking/eeknova-voice/internal/mic"
)

// Status is the wake listener's lifecycle state.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusListening Status = "listening"
	StatusError     Status = "error"
)

// Listener owns the continuously-restarting wake recognizer. The recognizer
// naturally terminates each cycle; the listener restarts it after a short
// fixed delay as long as it is still flagged to run. The delay prevents
// restart storms on real failures while guaranteeing recovery from benign
// terminations.
type Listener struct {
	arbiter    *mic.Arbiter
	capture    mic.Capture
	recognizer Recognizer
	normalizer *Normalizer
	sink       mic.LevelSink // optional local-level telemetry
	device     func() mic.DeviceRequest
	bus        *bus.EventBus
	logger     zerolog.Logger

	restartDelay time.Duration

	mu           sync.Mutex
	status       Status
	shouldRun    bool
	stream       mic.Stream
	pumpDone     chan struct{}
	restartTimer *time.Timer
	gen          uint64 // bumped by every device teardown, fences in-flight opens

	onTranscript func(text string)
}

// NewListener creates a wake listener. The recognizer instance is reused
// across restart cycles; only its cycles start and stop.
func NewListener(
	arbiter *mic.Arbiter,
	capture mic.Capture,
	recognizer Recognizer,
	normalizer *Normalizer,
	sink mic.LevelSink,
	device func() mic.DeviceRequest,
	restartDelay time.Duration,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) *Listener {
	if restartDelay <= 0 {
		restartDelay = 350 * time.Millisecond
	}

	l := &Listener{
		arbiter:      arbiter,
		capture:      capture,
		recognizer:   recognizer,
		normalizer:   normalizer,
		sink:         sink,
		device:       device,
		bus:          eventBus,
		logger:       logger.With().Str("component", "wake-listener").Logger(),
		restartDelay: restartDelay,
		status:       StatusStopped,
	}

	recognizer.SetEvents(RecognizerEvents{
		OnTranscript:  l.handleTranscript,
		OnTermination: l.handleTermination,
		OnError:       l.handleError,
	})

	return l
}

// OnTranscript registers a callback receiving normalized transcripts.
func (l *Listener) OnTranscript(fn func(text string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTranscript = fn
}

// Status returns the current listener status.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Enable starts wake listening. If the mic is held by the transport the
// listener parks and resumes when the device frees up.
func (l *Listener) Enable() {
	l.mu.Lock()
	if l.shouldRun {
		l.mu.Unlock()
		return
	}
	l.shouldRun = true
	l.mu.Unlock()

	l.acquire()
}

// Disable stops listening and releases the device.
func (l *Listener) Disable() {
	l.mu.Lock()
	l.shouldRun = false
	if l.restartTimer != nil {
		l.restartTimer.Stop()
		l.restartTimer = nil
	}
	l.mu.Unlock()

	l.teardownDevice()
	l.arbiter.Release(mic.ConsumerWakeListener)
	l.setStatus(StatusStopped)
}

func (l *Listener) acquire() {
	l.mu.Lock()
	if !l.shouldRun || l.stream != nil {
		l.mu.Unlock()
		return
	}
	gen := l.gen
	l.mu.Unlock()

	_, granted := l.arbiter.Request(mic.Request{
		Consumer: mic.ConsumerWakeListener,
		Priority: mic.PriorityWake,
		Revoke:   l.teardownDevice,
		Notify:   l.micFreed,
	})
	if !granted {
		l.logger.Debug().Msg("mic busy, wake listener parked")
		return
	}

	l.setStatus(StatusStarting)

	stream, err := l.capture.Open(context.Background(), l.device())
	if err != nil {
		if l.revokedSince(gen) {
			return
		}
		// Device and permission errors are not retried automatically; the
		// user has to resolve them and re-enable.
		l.logger.Error().Err(err).Msg("failed to open capture for wake listening")
		l.arbiter.Release(mic.ConsumerWakeListener)
		l.markError()
		return
	}

	if err := l.recognizer.Start(); err != nil {
		stream.Close()
		if l.revokedSince(gen) {
			return
		}
		l.logger.Error().Err(err).Msg("recognizer failed to start")
		l.arbiter.Release(mic.ConsumerWakeListener)
		l.markError()
		return
	}

	done := make(chan struct{})
	l.mu.Lock()
	if l.gen != gen {
		// Revoked while the device was opening: the lease is gone and the
		// preempting consumer may already hold the mic. Close the late
		// handle without touching the arbiter; the parked notify resumes
		// listening when the device frees up.
		l.mu.Unlock()
		_ = l.recognizer.Stop()
		stream.Close()
		return
	}
	l.stream = stream
	l.pumpDone = done
	l.mu.Unlock()

	go l.pump(stream, done)
	l.setStatus(StatusListening)
}

// revokedSince reports whether a device teardown ran after gen was captured.
func (l *Listener) revokedSince(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen != gen
}

// micFreed is the arbiter's notification that the device is available again.
func (l *Listener) micFreed() {
	l.mu.Lock()
	run := l.shouldRun
	l.mu.Unlock()
	if run {
		l.acquire()
	}
}

// pump feeds mic audio into the recognizer and the local telemetry sink.
func (l *Listener) pump(stream mic.Stream, done chan struct{}) {
	defer close(done)

	req := l.device()
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	chunk := make([]byte, sampleRate*2/50) // 20ms mono s16le

	for {
		n, err := io.ReadFull(stream, chunk)
		if n > 0 {
			if werr := l.recognizer.WriteAudio(chunk[:n]); werr != nil {
				l.logger.Debug().Err(werr).Msg("recognizer write failed")
			}
			if l.sink != nil {
				l.sink.Process(bus.SourceLocal, chunk[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				l.logger.Debug().Err(err).Msg("wake capture stream ended")
			}
			return
		}
	}
}

func (l *Listener) handleTranscript(raw string) {
	text := l.normalizer.Normalize(raw)
	if text == "" {
		return
	}

	l.logger.Debug().Str("text", text).Msg("wake transcript")
	l.bus.Publish(bus.Event{
		Type: bus.EventTypeTranscript,
		Payload: bus.TranscriptPayload{
			Source:    "wake",
			Text:      text,
			Timestamp: time.Now(),
		},
	})

	l.mu.Lock()
	fn := l.onTranscript
	l.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// handleTermination restarts the recognizer after the fixed delay, but only
// while the listener is still flagged to run.
func (l *Listener) handleTermination() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldRun || l.stream == nil {
		return
	}

	l.logger.Debug().Dur("delay", l.restartDelay).Msg("recognizer cycle ended, scheduling restart")
	if l.restartTimer != nil {
		l.restartTimer.Stop()
	}
	l.restartTimer = time.AfterFunc(l.restartDelay, l.restart)
}

func (l *Listener) restart() {
	l.mu.Lock()
	run := l.shouldRun && l.stream != nil
	l.mu.Unlock()
	if !run {
		return
	}

	if err := l.recognizer.Start(); err != nil {
		l.handleError(err)
	}
}

func (l *Listener) handleError(err error) {
	if errors.Is(err, ErrNoSpeech) {
		// Benign: the recognizer heard nothing. Status stays Listening and
		// the normal termination/restart cycle continues.
		l.logger.Debug().Msg("no speech in cycle")
		return
	}

	l.logger.Error().Err(err).Msg("recognizer error, stopping wake listening")

	l.mu.Lock()
	l.shouldRun = false
	if l.restartTimer != nil {
		l.restartTimer.Stop()
		l.restartTimer = nil
	}
	l.mu.Unlock()

	l.teardownDevice()
	l.arbiter.Release(mic.ConsumerWakeListener)
	l.setStatus(StatusError)
}

// markError records an error status without holding any device state.
func (l *Listener) markError() {
	l.mu.Lock()
	l.shouldRun = false
	l.mu.Unlock()
	l.setStatus(StatusError)
}

// teardownDevice stops the current recognizer cycle and fully releases the
// capture handle. Called from the arbiter's revoke path, so it must not
// call back into the arbiter. The generation bump fences any Open still in
// flight so its stream is closed instead of installed.
func (l *Listener) teardownDevice() {
	l.mu.Lock()
	l.gen++
	stream := l.stream
	done := l.pumpDone
	l.stream = nil
	l.pumpDone = nil
	if l.restartTimer != nil {
		l.restartTimer.Stop()
		l.restartTimer = nil
	}
	l.mu.Unlock()

	_ = l.recognizer.Stop()

	if stream != nil {
		stream.Close()
		if done != nil {
			<-done
		}
		l.setStatus(StatusStopped)
	}
}

func (l *Listener) setStatus(s Status) {
	l.mu.Lock()
	if l.status == s {
		l.mu.Unlock()
		return
	}
	l.status = s
	l.mu.Unlock()

	l.logger.Info().Str("status", string(s)).Msg("listener status changed")
	l.bus.Publish(bus.Event{Type: bus.EventTypeListenerStatusChanged, Payload: string(s)})
}
