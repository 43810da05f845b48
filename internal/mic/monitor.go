package mic

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// LevelSink consumes raw PCM chunks from the monitor, typically the audio
// telemetry publisher.
type LevelSink interface {
	Process(source bus.AudioSource, pcm []byte)
}

// Monitor is the lowest-priority microphone consumer. It opens the device
// only to feed a live level meter while nothing more important needs the
// mic, and parks quietly whenever it is denied or revoked.
type Monitor struct {
	arbiter *Arbiter
	capture Capture
	sink    LevelSink
	device  func() DeviceRequest
	logger  zerolog.Logger

	mu      sync.Mutex
	enabled bool
	stream  Stream
	done    chan struct{}
	gen     uint64 // bumped by every teardown, fences in-flight opens
}

// NewMonitor creates a level monitor. device supplies the open parameters
// (preferred device id, raw mode) at acquisition time.
func NewMonitor(arbiter *Arbiter, capture Capture, sink LevelSink, device func() DeviceRequest, logger zerolog.Logger) *Monitor {
	return &Monitor{
		arbiter: arbiter,
		capture: capture,
		sink:    sink,
		device:  device,
		logger:  logger.With().Str("component", "level-monitor").Logger(),
	}
}

// Enable turns the monitor on. If the mic is busy the monitor parks and
// acquires it later, when the arbiter signals release.
func (m *Monitor) Enable() {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	m.mu.Unlock()

	m.tryAcquire()
}

// Disable turns the monitor off and releases the device if held.
func (m *Monitor) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	m.mu.Unlock()

	m.teardown()
	m.arbiter.Release(ConsumerLevelMonitor)
}

// Running reports whether the monitor currently holds the device.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *Monitor) tryAcquire() {
	m.mu.Lock()
	if !m.enabled || m.stream != nil {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.mu.Unlock()

	_, granted := m.arbiter.Request(Request{
		Consumer: ConsumerLevelMonitor,
		Priority: PriorityMonitor,
		Revoke:   m.teardown,
		Notify:   m.tryAcquire,
	})
	if !granted {
		m.logger.Debug().Msg("mic busy, monitor parked")
		return
	}

	stream, err := m.capture.Open(context.Background(), m.device())
	if err != nil {
		if m.revokedSince(gen) {
			return
		}
		m.logger.Error().Err(err).Msg("failed to open capture, releasing lease")
		m.arbiter.Release(ConsumerLevelMonitor)
		return
	}

	done := make(chan struct{})
	m.mu.Lock()
	if m.gen != gen {
		// Revoked while the device was opening: the lease is gone and the
		// preempting consumer may already hold the mic. Close the late
		// handle without touching the arbiter; the parked notify brings
		// the monitor back when the device frees up.
		m.mu.Unlock()
		stream.Close()
		return
	}
	if !m.enabled {
		// Disabled while opening; give the device straight back.
		m.mu.Unlock()
		stream.Close()
		m.arbiter.Release(ConsumerLevelMonitor)
		return
	}
	m.stream = stream
	m.done = done
	m.mu.Unlock()

	m.logger.Info().Msg("level monitor capturing")
	go m.pump(stream, done)
}

// pump forwards ~20ms PCM chunks to the sink until the stream closes.
func (m *Monitor) pump(stream Stream, done chan struct{}) {
	defer close(done)

	req := m.device()
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 1
	}
	chunk := make([]byte, sampleRate*channels*2/50)

	for {
		n, err := io.ReadFull(stream, chunk)
		if n > 0 {
			m.sink.Process(bus.SourceLocal, chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				m.logger.Debug().Err(err).Msg("capture stream ended")
			}
			return
		}
	}
}

// revokedSince reports whether a teardown ran after gen was captured.
func (m *Monitor) revokedSince(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// teardown fully releases the device handle and waits for the pump to stop.
// Safe to call from the arbiter's revoke path. The generation bump fences
// any Open still in flight: a stream that finishes opening after a revoke
// must never be installed.
func (m *Monitor) teardown() {
	m.mu.Lock()
	m.gen++
	stream := m.stream
	done := m.done
	m.stream = nil
	m.done = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Close()
	if done != nil {
		<-done
	}
}
