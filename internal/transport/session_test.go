package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
	"github.com/normanking/eeknova-voice/internal/mic"
)

type nopSink struct {
	mu     sync.Mutex
	resets []bus.AudioSource
}

func (s *nopSink) Process(bus.AudioSource, []byte) {}

func (s *nopSink) ProcessSamples(bus.AudioSource, []int16) {}
func (s *nopSink) Reset(source bus.AudioSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, source)
}

type blockedCapture struct{}

func (blockedCapture) Open(context.Context, mic.DeviceRequest) (mic.Stream, error) {
	return nil, mic.ErrDeviceBusy
}

type testStream struct {
	closed chan struct{}
	once   sync.Once
}

func (s *testStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *testStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// gatedCapture blocks Open until the gate closes, so a test can close the
// session while its device open is still in flight.
type gatedCapture struct {
	gate    chan struct{}
	started chan struct{}

	mu      sync.Mutex
	streams []*testStream
}

func (c *gatedCapture) Open(context.Context, mic.DeviceRequest) (mic.Stream, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-c.gate
	s := &testStream{closed: make(chan struct{})}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *gatedCapture) stream(i int) *testStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func newTestSession(t *testing.T, tokenURL string) (*Session, *bus.EventBus) {
	t.Helper()
	return newTestSessionWithCapture(t, tokenURL, blockedCapture{})
}

func newTestSessionWithCapture(t *testing.T, tokenURL string, capture mic.Capture) (*Session, *bus.EventBus) {
	t.Helper()
	eventBus := bus.NewEventBus()
	creds := NewCredentialClient(CredentialConfig{
		TokenURL:    tokenURL,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}, zerolog.Nop())

	s, err := NewSession(
		SessionConfig{
			SignalURL:     "http://127.0.0.1:0/signal",
			DefaultModel:  "mini-model",
			FallbackModel: "big-model",
			ReleaseDelay:  time.Millisecond,
			ICEGatherWait: 100 * time.Millisecond,
		},
		creds,
		mic.NewArbiter(eventBus, zerolog.Nop()),
		capture,
		&nopSink{},
		func() mic.DeviceRequest { return mic.DeviceRequest{SampleRate: codecSampleRate, Channels: 1} },
		func() string { return "auto" },
		eventBus,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s, eventBus
}

func TestSessionStartsIdle(t *testing.T) {
	s, _ := newTestSession(t, "http://127.0.0.1:0/token")
	if s.State() != StateIdle {
		t.Errorf("Expected initial state idle, got %s", s.State())
	}
}

func TestSessionCloseWhileIdleIsNoop(t *testing.T) {
	s, _ := newTestSession(t, "http://127.0.0.1:0/token")
	s.Close()
	s.Close()
	if s.State() != StateIdle {
		t.Errorf("Expected state idle after redundant closes, got %s", s.State())
	}
}

func TestConnectCredentialFailureSetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("account suspended"))
	}))
	defer srv.Close()

	s, eventBus := newTestSession(t, srv.URL)

	errCh := make(chan bus.Event, 1)
	eventBus.Subscribe(bus.EventTypeSessionError, func(ev bus.Event) {
		errCh <- ev
	})

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Expected Connect to fail on terminal credential rejection")
	}
	if s.State() != StateError {
		t.Errorf("Expected state error, got %s", s.State())
	}
	if s.LastError() == "" {
		t.Error("Expected LastError to carry a user-visible message")
	}

	select {
	case ev := <-errCh:
		msg, _ := ev.Payload.(string)
		if !strings.Contains(msg, "credential") {
			t.Errorf("Expected error payload to mention credentials, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for session error event")
	}
}

func TestConnectMicFailureSetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCreds(w, "tok-1", "mini-model")
	}))
	defer srv.Close()

	s, _ := newTestSession(t, srv.URL)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Expected Connect to fail when the microphone cannot be opened")
	}
	if s.State() != StateError {
		t.Errorf("Expected state error, got %s", s.State())
	}

	// The transport lease must not be left held after a failed connect.
	time.Sleep(20 * time.Millisecond)
	arbiter := s.arbiter
	if holder, held := arbiter.Holder(); held {
		t.Errorf("Expected mic lease released after failure, still held by %s", holder)
	}
}

func TestCloseSupersedesInFlightConnect(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeCreds(w, "tok-slow", "mini-model")
	}))
	defer srv.Close()

	s, _ := newTestSession(t, srv.URL)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	// Wait for the connect attempt to reach the credential fetch.
	deadline := time.Now().Add(time.Second)
	for s.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("Session never reached connecting state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Close()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected superseded connect to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after being superseded")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected state idle after close, got %s", s.State())
	}
	if s.LastError() != "" {
		t.Errorf("Expected no user-visible error for a superseded attempt, got %q", s.LastError())
	}
}

func TestCloseWhileOpeningMicDropsLateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCreds(w, "tok-1", "mini-model")
	}))
	defer srv.Close()

	capture := &gatedCapture{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _ := newTestSessionWithCapture(t, srv.URL, capture)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	select {
	case <-capture.started:
	case <-time.After(time.Second):
		t.Fatal("Connect never reached the device open")
	}

	// Close lands while the device open is still in flight. The late
	// handle must be closed, never installed.
	s.Close()
	close(capture.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected superseded connect to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after close")
	}

	select {
	case <-capture.stream(0).closed:
	case <-time.After(time.Second):
		t.Fatal("Late-opened stream was never closed")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected state idle after close, got %s", s.State())
	}
	time.Sleep(20 * time.Millisecond)
	if holder, held := s.arbiter.Holder(); held {
		t.Errorf("Expected mic lease released, still held by %s", holder)
	}
}

func TestSendTextRequiresConnection(t *testing.T) {
	s, _ := newTestSession(t, "http://127.0.0.1:0/token")
	if err := s.SendText("hello"); err == nil {
		t.Error("Expected SendText to fail when not connected")
	}
	if err := s.RequestResponse(); err == nil {
		t.Error("Expected RequestResponse to fail when not connected")
	}
}

func TestLanguageDirective(t *testing.T) {
	if got := languageDirective("hi"); !strings.Contains(got, "Hindi") {
		t.Errorf("Expected Hindi directive, got %q", got)
	}
	if got := languageDirective("en"); !strings.Contains(got, "English") {
		t.Errorf("Expected English directive, got %q", got)
	}
	auto := languageDirective("auto")
	if !strings.Contains(auto, "Mirror") {
		t.Errorf("Expected mirroring directive for auto, got %q", auto)
	}
	if languageDirective("xx") != auto {
		t.Error("Expected unknown language to fall back to the auto directive")
	}
}
