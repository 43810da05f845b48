package wake

import "errors"

// ErrNoSpeech is the benign "heard nothing" recognizer condition. It does
// not change the listener's status.
var ErrNoSpeech = errors.New("no speech detected")

// RecognizerEvents are the discrete events a recognizer reports.
type RecognizerEvents struct {
	// OnTranscript delivers a raw (un-normalized) transcript.
	OnTranscript func(text string)
	// OnTermination signals the natural end of a recognition cycle. This
	// is platform behavior, not an error; the listener restarts the cycle.
	OnTermination func()
	// OnError reports recognizer failures. ErrNoSpeech is benign.
	OnError func(err error)
}

// Recognizer is a reusable continuous speech recognizer. One instance is
// created at startup and restarted across cycles; recreating it per cycle
// would churn the upstream connection.
type Recognizer interface {
	// SetEvents installs the event callbacks. Must be called before Start.
	SetEvents(events RecognizerEvents)
	// Start begins a recognition cycle. Non-blocking.
	Start() error
	// WriteAudio feeds one frame of s16le PCM into the current cycle.
	WriteAudio(pcm []byte) error
	// Stop ends the current cycle. The instance stays reusable.
	Stop() error
}
