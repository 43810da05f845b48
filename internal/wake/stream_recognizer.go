package wake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamRecognizerConfig configures the WebSocket recognizer connection.
type StreamRecognizerConfig struct {
	URL              string
	APIKey           string
	SampleRate       int
	Language         string
	HandshakeTimeout time.Duration
}

// DefaultStreamRecognizerConfig returns sensible defaults
func DefaultStreamRecognizerConfig(url string) StreamRecognizerConfig {
	return StreamRecognizerConfig{
		URL:              url,
		SampleRate:       16000,
		Language:         "en",
		HandshakeTimeout: 10 * time.Second,
	}
}

// StreamRecognizer streams PCM to a recognition endpoint over WebSocket and
// receives transcript messages back. The server ends each recognition cycle
// by closing the socket after a bounded stretch of audio or silence; the
// listener treats that close as a benign termination and restarts.
type StreamRecognizer struct {
	cfg    StreamRecognizerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	events  RecognizerEvents
	started bool
}

// recognizerMessage is the server's JSON envelope.
type recognizerMessage struct {
	Type    string `json:"type"` // "transcript", "done", "error"
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewStreamRecognizer creates a recognizer for the given endpoint.
func NewStreamRecognizer(cfg StreamRecognizerConfig, logger zerolog.Logger) *StreamRecognizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &StreamRecognizer{
		cfg:    cfg,
		logger: logger.With().Str("component", "stream-recognizer").Logger(),
	}
}

// SetEvents installs the event callbacks.
func (r *StreamRecognizer) SetEvents(events RecognizerEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
}

// Start dials the endpoint and begins a recognition cycle.
func (r *StreamRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	url := fmt.Sprintf("%s?sample_rate=%d&language=%s&encoding=linear16",
		r.cfg.URL, r.cfg.SampleRate, r.cfg.Language)

	header := http.Header{}
	if r.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.HandshakeTimeout}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			r.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("recognizer dial failed")
		}
		return fmt.Errorf("recognizer dial: %w", err)
	}

	r.conn = conn
	r.started = true
	events := r.events

	go r.readLoop(conn, events)
	return nil
}

// WriteAudio sends one PCM frame upstream. Frames written between cycles
// are dropped, matching the short deaf window a restarting recognizer has.
func (r *StreamRecognizer) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	conn := r.conn
	started := r.started
	r.mu.Unlock()

	if !started || conn == nil {
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Stop ends the current cycle without firing a termination event.
func (r *StreamRecognizer) Stop() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.started = false
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"))
	return conn.Close()
}

func (r *StreamRecognizer) readLoop(conn *websocket.Conn, events RecognizerEvents) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			stopped := r.conn != conn
			r.conn = nil
			r.started = false
			r.mu.Unlock()

			if stopped {
				// Stop() already took the cycle down deliberately.
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if events.OnTermination != nil {
					events.OnTermination()
				}
				return
			}
			if events.OnError != nil {
				events.OnError(fmt.Errorf("recognizer read: %w", err))
			}
			return
		}

		var msg recognizerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn().Err(err).Msg("unparseable recognizer message")
			continue
		}

		switch msg.Type {
		case "transcript":
			if msg.IsFinal && msg.Text != "" && events.OnTranscript != nil {
				events.OnTranscript(msg.Text)
			}
		case "done":
			// The server closes right after "done"; the close handler above
			// fires the termination event.
		case "error":
			if events.OnError != nil {
				if msg.Code == "no_speech" {
					events.OnError(ErrNoSpeech)
				} else {
					events.OnError(fmt.Errorf("recognizer: %s (%s)", msg.Message, msg.Code))
				}
			}
		default:
			// Unknown message types are ignored, not errors.
		}
	}
}
