// Package transport drives the realtime speech-to-speech session: ephemeral
// credential fetch with retry and model fallback, the WebRTC peer handshake,
// and the data-channel event stream.
package transport

import "errors"

// State is the session lifecycle state. Owned exclusively by Session;
// transitions are the only legal way to change it.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Common errors
var (
	// ErrModelUnsupported marks a credential response rejecting the
	// requested model. Eligible for the single-shot fallback.
	ErrModelUnsupported = errors.New("requested model unsupported")
	// ErrCredentialTerminal marks a credential failure that is neither
	// retryable nor fallback-eligible.
	ErrCredentialTerminal = errors.New("credential request failed")
	// ErrSuperseded marks work discarded because a newer connection
	// attempt replaced it. Never surfaced to the user.
	ErrSuperseded = errors.New("connection attempt superseded")
)
