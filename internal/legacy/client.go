// Package legacy provides the HTTP fallback voice pipeline used when the
// realtime transport is unavailable: transcribe, complete, speak as three
// one-shot calls.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the fallback pipeline endpoints.
type Config struct {
	TranscribeURL string
	CompleteURL   string
	SpeakURL      string
	Timeout       time.Duration
}

// Client calls the fallback pipeline. These are user-initiated one-shot
// requests, so failures surface directly instead of retrying.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a fallback pipeline client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "legacy").Logger(),
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads recorded audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TranscribeURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("transcribe: parse response: %w", err)
	}
	return parsed.Text, nil
}

type completeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type completeResponse struct {
	Reply string `json:"reply"`
}

// Complete sends the user's text and returns the assistant's reply.
func (c *Client) Complete(ctx context.Context, text, language string) (string, error) {
	payload, err := json.Marshal(completeRequest{Text: text, Language: language})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CompleteURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}

	var parsed completeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("complete: parse response: %w", err)
	}
	return parsed.Reply, nil
}

type speakRequest struct {
	Text string `json:"text"`
}

// Speak synthesizes the reply and returns the audio bytes with their
// content type.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, string, error) {
	payload, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SpeakURL, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return nil, "", fmt.Errorf("speak: endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("speak: read audio: %w", err)
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}
	return body, nil
}
