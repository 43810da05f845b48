package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
	"github.com/normanking/eeknova-voice/internal/mic"
)

// AudioSink receives audio frames for level telemetry.
type AudioSink interface {
	Process(source bus.AudioSource, pcm []byte)
	ProcessSamples(source bus.AudioSource, samples []int16)
	Reset(source bus.AudioSource)
}

// SessionConfig configures the realtime session.
type SessionConfig struct {
	SignalURL     string
	DefaultModel  string
	FallbackModel string
	Instructions  string
	STUNServers   []string
	ICEGatherWait time.Duration
	ReleaseDelay  time.Duration
	Timeout       time.Duration

	TurnThreshold     float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	CreateResponse    bool
}

// Session is the realtime transport state machine:
// Idle -> Connecting -> {Connected | Error} -> Idle.
//
// Every asynchronous connect step checks the session's attempt counter
// before applying its result, so a Close or reconnect mid-handshake cleanly
// discards in-flight work instead of corrupting state.
type Session struct {
	cfg      SessionConfig
	creds    *CredentialClient
	arbiter  *mic.Arbiter
	capture  mic.Capture
	sink     AudioSink
	device   func() mic.DeviceRequest
	language func() string
	bus      *bus.EventBus
	logger   zerolog.Logger
	router   *eventRouter

	api        *webrtc.API
	httpClient *http.Client

	mu        sync.Mutex
	state     State
	attempt   uint64
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	micStream mic.Stream
	micDone   chan struct{}
	lastError string
}

// NewSession creates a transport session. device supplies the microphone
// open parameters and language the conversation language, both read at
// connect time.
func NewSession(
	cfg SessionConfig,
	creds *CredentialClient,
	arbiter *mic.Arbiter,
	capture mic.Capture,
	sink AudioSink,
	device func() mic.DeviceRequest,
	language func() string,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) (*Session, error) {
	if cfg.ICEGatherWait <= 0 {
		cfg.ICEGatherWait = 10 * time.Second
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 300 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	// MediaEngine with Opus codec
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   codecSampleRate,
			Channels:    2, // opus is always signaled as /48000/2
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)

	slog := logger.With().Str("component", "transport").Logger()
	return &Session{
		cfg:        cfg,
		creds:      creds,
		arbiter:    arbiter,
		capture:    capture,
		sink:       sink,
		device:     device,
		language:   language,
		bus:        eventBus,
		logger:     slog,
		router:     newEventRouter(eventBus, logger),
		api:        api,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		state:      StateIdle,
	}, nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the user-visible error text, set only when the session
// reaches the Error state.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// OnUserTranscript registers the callback receiving the user's recognized
// speech from the transport's transcription stream.
func (s *Session) OnUserTranscript(fn func(text string)) {
	s.router.OnUserTranscript(fn)
}

// LastReply returns the most recently completed assistant reply transcript.
func (s *Session) LastReply() string {
	return s.router.LastReply()
}

// Connect runs the full handshake: credential fetch, peer session setup,
// signaling exchange, and session configuration push. A session already
// connecting or connected is left alone.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.attempt++
	attempt := s.attempt
	s.lastError = ""
	s.mu.Unlock()

	s.setState(StateConnecting)

	creds, err := s.creds.Fetch(ctx, s.cfg.DefaultModel, s.cfg.FallbackModel)
	if err != nil {
		return s.fail(attempt, fmt.Errorf("credential fetch: %w", err))
	}
	if s.stale(attempt) {
		return nil
	}

	if err := s.establishPeer(ctx, attempt, creds); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return nil
		}
		return s.fail(attempt, err)
	}
	return nil
}

// establishPeer sets up the peer connection, attaches the mic, and runs
// the offer/answer exchange.
func (s *Session) establishPeer(ctx context.Context, attempt uint64, creds Credentials) error {
	// The mic is acquired at Transport priority, the highest; anything
	// else holding the device is revoked first.
	_, granted := s.arbiter.Request(mic.Request{
		Consumer: mic.ConsumerTransport,
		Priority: mic.PriorityTransport,
		Revoke:   s.teardownMic,
	})
	if !granted {
		return errors.New("microphone unavailable for transport")
	}

	stream, err := s.capture.Open(ctx, s.device())
	if err != nil {
		s.arbiter.Release(mic.ConsumerTransport)
		return fmt.Errorf("open microphone: %w", err)
	}
	// Close was called while Open was in flight. Drop the late handle
	// without installing it.
	if s.stale(attempt) {
		stream.Close()
		s.arbiter.Release(mic.ConsumerTransport)
		return ErrSuperseded
	}

	cleanup := func() {
		stream.Close()
		s.arbiter.Release(mic.ConsumerTransport)
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: s.cfg.STUNServers}},
	})
	if err != nil {
		cleanup()
		return fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: codecSampleRate,
			Channels:  2,
		},
		"mic",
		"eeknova-voice",
	)
	if err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("create mic track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("add mic track: %w", err)
	}

	// Inbound assistant audio feeds the telemetry publisher.
	pc.OnTrack(func(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().Str("codec", remoteTrack.Codec().MimeType).Msg("remote audio track")
		go s.remoteAudioLoop(remoteTrack, attempt)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug().Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed && !s.stale(attempt) {
			s.fail(attempt, errors.New("peer connection failed"))
		}
	})

	// Data channel must exist before CreateOffer so SCTP is in the SDP.
	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		if s.stale(attempt) {
			return
		}
		s.logger.Info().Msg("data channel open, pushing session configuration")
		s.pushSessionConfig()
		s.setState(StateConnected)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.stale(attempt) {
			return
		}
		s.router.Handle(msg.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("set local description: %w", err)
	}

	gatherDone := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherDone:
	case <-time.After(s.cfg.ICEGatherWait):
		s.logger.Warn().Msg("ICE gathering timed out, proceeding with partial candidates")
	case <-ctx.Done():
		pc.Close()
		cleanup()
		return ctx.Err()
	}

	answer, err := s.exchangeSDP(ctx, creds, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("signaling exchange: %w", err)
	}

	// A newer attempt may have superseded this one while signaling was in
	// flight; its result is discarded silently.
	if s.stale(attempt) {
		pc.Close()
		cleanup()
		return ErrSuperseded
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		cleanup()
		return fmt.Errorf("set remote description: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		pc.Close()
		cleanup()
		return ErrSuperseded
	}
	s.pc = pc
	s.dc = dc
	s.micStream = stream
	s.micDone = done
	s.mu.Unlock()

	go s.micPump(stream, track, done, attempt)
	return nil
}

// exchangeSDP posts the local offer to the signaling endpoint and returns
// the remote answer.
func (s *Session) exchangeSDP(ctx context.Context, creds Credentials, offerSDP string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", s.cfg.SignalURL, creds.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("signaling endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return string(body), nil
}

// micPump encodes mic PCM to Opus and writes it onto the outbound track.
func (s *Session) micPump(stream mic.Stream, track *webrtc.TrackLocalStaticSample, done chan struct{}, attempt uint64) {
	defer close(done)

	enc, err := NewOpusEncoder()
	if err != nil {
		s.logger.Error().Err(err).Msg("mic encoder unavailable")
		return
	}

	chunk := make([]byte, samplesPerFrame*2) // 20ms s16le mono
	for {
		n, err := io.ReadFull(stream, chunk)
		if n > 0 && !s.stale(attempt) {
			s.sink.Process(bus.SourceLocal, chunk[:n])
			pkt, encErr := enc.Encode(pcmBytesToSamples(chunk[:n]))
			if encErr == nil {
				sample := media.Sample{
					Data:     append([]byte(nil), pkt...),
					Duration: 20 * time.Millisecond,
				}
				if werr := track.WriteSample(sample); werr != nil {
					s.logger.Debug().Err(werr).Msg("mic track write failed")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// remoteAudioLoop decodes the assistant's Opus packets into level samples.
func (s *Session) remoteAudioLoop(track *webrtc.TrackRemote, attempt uint64) {
	dec, err := NewOpusDecoder()
	if err != nil {
		s.logger.Error().Err(err).Msg("remote decoder unavailable")
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.sink.Reset(bus.SourceRemote)
			return
		}
		if s.stale(attempt) {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		samples, decErr := dec.Decode(pkt.Payload)
		if decErr != nil {
			continue
		}
		s.sink.ProcessSamples(bus.SourceRemote, samples)
	}
}

// pushSessionConfig sends session.update with instructions, the language
// directive, and turn-detection parameters.
func (s *Session) pushSessionConfig() {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return
	}

	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions": s.cfg.Instructions + "\n" + languageDirective(s.language()),
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           s.cfg.TurnThreshold,
				"prefix_padding_ms":   s.cfg.PrefixPaddingMs,
				"silence_duration_ms": s.cfg.SilenceDurationMs,
				"create_response":     s.cfg.CreateResponse,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	}

	if err := s.sendJSON(dc, update); err != nil {
		s.logger.Error().Err(err).Msg("failed to push session configuration")
	}
}

// languageDirective translates the settings language into a behavioral
// instruction for the session.
func languageDirective(lang string) string {
	names := map[string]string{
		"en": "English",
		"hi": "Hindi",
		"te": "Telugu",
		"ta": "Tamil",
		"kn": "Kannada",
	}
	if name, ok := names[lang]; ok {
		return "Always respond in " + name + "."
	}
	// "auto" (and anything unrecognized) mirrors the user.
	return "Mirror the language the user speaks, switching only if they explicitly ask for another language. Never ask the user to pick a language."
}

// SendText injects a typed user message into the conversation and requests
// a spoken response. Exposed directly so the UI layer does not need any
// ambient hooks.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	dc := s.dc
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || dc == nil {
		return errors.New("session not connected")
	}

	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := s.sendJSON(dc, item); err != nil {
		return err
	}
	return s.RequestResponse()
}

// RequestResponse asks the server to begin a spoken response now.
func (s *Session) RequestResponse() error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return errors.New("session not connected")
	}
	return s.sendJSON(dc, map[string]any{"type": "response.create"})
}

func (s *Session) sendJSON(dc *webrtc.DataChannel, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

// Close tears the session down: data channel, peer connection, mic track,
// and lease, then resets to Idle. Idempotent; closing an idle session is a
// no-op. Lower-priority consumers are told the mic is free only after a
// short delay, giving the platform time to finish releasing the device.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateIdle && s.pc == nil {
		s.mu.Unlock()
		return
	}
	// Supersede any in-flight connect work.
	s.attempt++
	pc := s.pc
	dc := s.dc
	s.pc = nil
	s.dc = nil
	s.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}

	s.teardownMic()
	s.sink.Reset(bus.SourceRemote)
	s.sink.Reset(bus.SourceLocal)
	s.arbiter.ReleaseAfter(mic.ConsumerTransport, s.cfg.ReleaseDelay)
	s.setState(StateIdle)
}

// teardownMic fully releases the capture handle. Also the arbiter's revoke
// path, so it must not call back into the arbiter.
func (s *Session) teardownMic() {
	s.mu.Lock()
	stream := s.micStream
	done := s.micDone
	s.micStream = nil
	s.micDone = nil
	s.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Close()
	if done != nil {
		<-done
	}
}

// stale reports whether attempt has been superseded by a newer connect or a
// close.
func (s *Session) stale(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt != attempt
}

// fail moves the session to Error unless the attempt is stale, tearing down
// any partial setup. Only transport-level failures are user-visible.
func (s *Session) fail(attempt uint64, err error) error {
	if s.stale(attempt) {
		return nil
	}

	s.logger.Error().Err(err).Msg("session failed")

	s.mu.Lock()
	s.lastError = err.Error()
	pc := s.pc
	dc := s.dc
	s.pc = nil
	s.dc = nil
	s.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
	s.teardownMic()
	s.sink.Reset(bus.SourceRemote)
	s.sink.Reset(bus.SourceLocal)
	s.arbiter.ReleaseAfter(mic.ConsumerTransport, s.cfg.ReleaseDelay)

	s.setState(StateError)
	s.bus.Publish(bus.Event{Type: bus.EventTypeSessionError, Payload: err.Error()})
	return err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = state
	s.mu.Unlock()

	s.logger.Info().Str("old", string(old)).Str("new", string(state)).Msg("session state changed")
	s.bus.Publish(bus.Event{Type: bus.EventTypeSessionStateChanged, Payload: string(state)})
}
