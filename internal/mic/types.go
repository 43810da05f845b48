// Package mic arbitrates exclusive access to the physical microphone and
// hosts its lowest-priority consumer, the level monitor.
//
// Concurrent acquisition of one capture device by two consumers causes
// silent capture failure on some platforms, so everything here enforces a
// single-holder rule: a consumer must fully release its device handle (not
// merely mute) before another may open it.
package mic

import (
	"context"
	"errors"
	"io"
)

// Common errors
var (
	ErrDeviceBusy       = errors.New("microphone held by a higher-priority consumer")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("audio device not found")
)

// Consumer identifies a microphone consumer.
type Consumer string

const (
	ConsumerTransport    Consumer = "transport"
	ConsumerWakeListener Consumer = "wake-listener"
	ConsumerLevelMonitor Consumer = "level-monitor"
)

// Priority orders lease requests. Transport > wake listener > level monitor.
type Priority int

const (
	PriorityMonitor Priority = iota + 1
	PriorityWake
	PriorityTransport
)

// DeviceRequest describes how a consumer wants the device opened.
type DeviceRequest struct {
	DeviceID   string // empty means system default
	SampleRate int
	Channels   int
	Raw        bool // bypass echo cancellation / noise suppression
}

// Stream is an open capture handle delivering s16le mono PCM.
// Close fully releases the underlying device.
type Stream interface {
	io.ReadCloser
}

// Capture opens the physical microphone. Implementations must guarantee that
// Close on the returned stream releases the device before returning.
type Capture interface {
	Open(ctx context.Context, req DeviceRequest) (Stream, error)
}
