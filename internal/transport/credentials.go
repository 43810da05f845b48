package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Credentials is a short-lived token authorizing one realtime session.
// The server may grant a different model than requested, so the granted
// model rides along with the token.
type Credentials struct {
	Token string `json:"token"`
	Model string `json:"model"`
}

// CredentialConfig tunes the fetch policy.
type CredentialConfig struct {
	TokenURL    string
	Voice       string
	MaxAttempts int           // per model, default 3
	BackoffBase time.Duration // default 250ms, doubled per attempt
	Timeout     time.Duration
}

// CredentialClient fetches ephemeral credentials from the token-issuing
// endpoint. Transient failures (network, 429, 5xx) are retried with bounded
// exponential backoff; an "unsupported model" rejection triggers exactly one
// fallback to the more capable model, never a loop between models.
type CredentialClient struct {
	cfg    CredentialConfig
	client *http.Client
	logger zerolog.Logger
}

// unsupportedModelPattern matches 4xx bodies that reject the model itself.
var unsupportedModelPattern = regexp.MustCompile(`(?i)(model_not_found|model_unavailable|unsupported[_ ]model|does not (exist|support))`)

type credentialRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

// NewCredentialClient creates a credential client.
func NewCredentialClient(cfg CredentialConfig, logger zerolog.Logger) *CredentialClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CredentialClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// Fetch requests a credential for model, falling back once to
// fallbackModel if the endpoint rejects model as unsupported.
func (c *CredentialClient) Fetch(ctx context.Context, model, fallbackModel string) (Credentials, error) {
	creds, err := c.fetchModel(ctx, model)
	if err == nil {
		return creds, nil
	}

	if fallbackModel != "" && fallbackModel != model && errors.Is(err, ErrModelUnsupported) {
		c.logger.Warn().
			Str("model", model).
			Str("fallback", fallbackModel).
			Msg("model unsupported, retrying with fallback model")
		return c.fetchModel(ctx, fallbackModel)
	}

	return Credentials{}, err
}

// fetchModel runs the bounded retry loop for one model.
func (c *CredentialClient) fetchModel(ctx context.Context, model string) (Credentials, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase * time.Duration(1<<attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Credentials{}, ctx.Err()
			}
		}

		creds, retryable, err := c.fetchOnce(ctx, model)
		if err == nil {
			return creds, nil
		}
		lastErr = err
		if !retryable {
			return Credentials{}, err
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("credential fetch failed, retrying")
	}

	return Credentials{}, fmt.Errorf("credential fetch exhausted %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// fetchOnce performs a single credential request. The bool reports whether
// the failure is transient.
func (c *CredentialClient) fetchOnce(ctx context.Context, model string) (Credentials, bool, error) {
	body, err := json.Marshal(credentialRequest{Model: model, Voice: c.cfg.Voice})
	if err != nil {
		return Credentials{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Credentials{}, true, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Credentials{}, true, fmt.Errorf("read token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var creds Credentials
		if err := json.Unmarshal(respBody, &creds); err != nil {
			return Credentials{}, false, fmt.Errorf("parse token response: %w", err)
		}
		if creds.Token == "" {
			return Credentials{}, false, fmt.Errorf("%w: empty token", ErrCredentialTerminal)
		}
		if creds.Model == "" {
			creds.Model = model
		}
		return creds, false, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Credentials{}, true, fmt.Errorf("token endpoint returned %d", resp.StatusCode)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if unsupportedModelPattern.Match(respBody) {
			return Credentials{}, false, fmt.Errorf("%w: %s (%d)", ErrModelUnsupported, model, resp.StatusCode)
		}
		return Credentials{}, false, fmt.Errorf("%w: status %d: %s", ErrCredentialTerminal, resp.StatusCode, truncate(respBody, 200))

	default:
		return Credentials{}, false, fmt.Errorf("%w: unexpected status %d", ErrCredentialTerminal, resp.StatusCode)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
