package mic

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// fakeStream delivers silence until closed.
type fakeStream struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{closed: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeCapture struct {
	mu      sync.Mutex
	opens   int
	current *fakeStream
}

func (c *fakeCapture) Open(ctx context.Context, req DeviceRequest) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.current = newFakeStream()
	return c.current, nil
}

func (c *fakeCapture) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

type countingSink struct {
	mu     sync.Mutex
	chunks int
}

func (s *countingSink) Process(source bus.AudioSource, pcm []byte) {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func testDevice() DeviceRequest {
	return DeviceRequest{SampleRate: 16000, Channels: 1}
}

func newTestMonitor(a *Arbiter) (*Monitor, *fakeCapture, *countingSink) {
	capture := &fakeCapture{}
	sink := &countingSink{}
	m := NewMonitor(a, capture, sink, testDevice, zerolog.Nop())
	return m, capture, sink
}

func TestMonitor_EnableCapturesAndFeedsSink(t *testing.T) {
	a := newTestArbiter()
	m, capture, sink := newTestMonitor(a)

	m.Enable()
	defer m.Disable()

	if capture.openCount() != 1 {
		t.Fatalf("expected one device open, got %d", capture.openCount())
	}

	deadline := time.After(time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("sink never received audio")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitor_ParksWhileWakeListening(t *testing.T) {
	a := newTestArbiter()
	m, capture, _ := newTestMonitor(a)

	// Wake listening is active; the monitor must not touch the device.
	a.Request(Request{Consumer: ConsumerWakeListener, Priority: PriorityWake})

	m.Enable()
	if capture.openCount() != 0 {
		t.Fatal("monitor opened the device while the wake listener holds it")
	}
	if m.Running() {
		t.Fatal("monitor should be parked, not running")
	}

	// Wake listening stops; the parked monitor acquires.
	a.Release(ConsumerWakeListener)

	deadline := time.After(time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("monitor never resumed after release")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if capture.openCount() != 1 {
		t.Errorf("expected exactly one open after resume, got %d", capture.openCount())
	}

	m.Disable()
}

func TestMonitor_RevokeReleasesDevice(t *testing.T) {
	a := newTestArbiter()
	m, capture, _ := newTestMonitor(a)

	m.Enable()
	if !m.Running() {
		t.Fatal("monitor should hold the device")
	}

	// Transport preempts; the monitor's stream must be closed by the time
	// the grant returns.
	_, granted := a.Request(Request{Consumer: ConsumerTransport, Priority: PriorityTransport})
	if !granted {
		t.Fatal("transport request should preempt the monitor")
	}
	if m.Running() {
		t.Fatal("monitor still holds its stream after revoke")
	}

	select {
	case <-capture.current.closed:
	default:
		t.Fatal("capture stream was not closed on revoke")
	}

	m.Disable()
	a.Release(ConsumerTransport)
}

// gatedCapture blocks Open until the gate closes, so a test can preempt
// the consumer while its device open is still in flight.
type gatedCapture struct {
	fakeCapture
	gate    chan struct{}
	started chan struct{}
	streams []*fakeStream
}

func (c *gatedCapture) Open(ctx context.Context, req DeviceRequest) (Stream, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-c.gate
	s, err := c.fakeCapture.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams = append(c.streams, s.(*fakeStream))
	c.mu.Unlock()
	return s, nil
}

func (c *gatedCapture) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func TestMonitor_PreemptedWhileOpeningNeverInstallsStream(t *testing.T) {
	a := newTestArbiter()
	capture := &gatedCapture{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	m := NewMonitor(a, capture, &countingSink{}, testDevice, zerolog.Nop())

	enabled := make(chan struct{})
	go func() {
		m.Enable()
		close(enabled)
	}()

	select {
	case <-capture.started:
	case <-time.After(time.Second):
		t.Fatal("monitor never reached the device open")
	}

	// Transport preempts while the monitor's open is still in flight. The
	// revoke finds no stream installed yet; the late handle must never
	// become one.
	_, granted := a.Request(Request{Consumer: ConsumerTransport, Priority: PriorityTransport})
	if !granted {
		t.Fatal("transport request should preempt the monitor")
	}

	close(capture.gate)
	<-enabled

	if m.Running() {
		t.Fatal("monitor installed a stream after losing its lease")
	}
	if holder, _ := a.Holder(); holder != ConsumerTransport {
		t.Fatalf("expected transport holder, got %q", holder)
	}
	select {
	case <-capture.stream(0).closed:
	default:
		t.Fatal("late-opened stream was left dangling")
	}

	// The revoke parked the monitor; releasing transport brings it back.
	a.Release(ConsumerTransport)
	deadline := time.After(time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("monitor never resumed after release")
		case <-time.After(10 * time.Millisecond):
		}
	}
	m.Disable()
}

func TestMonitor_DisableIdempotent(t *testing.T) {
	a := newTestArbiter()
	m, _, _ := newTestMonitor(a)

	m.Enable()
	m.Disable()
	m.Disable() // second disable is a no-op

	if _, held := a.Holder(); held {
		t.Error("lease still held after disable")
	}
}
