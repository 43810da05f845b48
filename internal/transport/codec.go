package transport

import (
	"fmt"

	"github.com/hraban/opus"
)

const (
	codecSampleRate = 48000
	codecChannels   = 1
	// 20ms at 48kHz mono
	samplesPerFrame = codecSampleRate / 50
	maxOpusFrame    = 1275
)

// OpusEncoder converts s16le PCM frames from the mic into Opus packets for
// the outbound track.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates a VoIP-tuned mono encoder.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(codecSampleRate, codecChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, maxOpusFrame)}, nil
}

// Encode converts one 20ms PCM frame to an Opus packet. The returned slice
// is valid until the next call.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return e.buf[:n], nil
}

// OpusDecoder converts inbound Opus packets from the assistant's track to
// PCM samples for telemetry.
type OpusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder creates a mono decoder.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(codecSampleRate, codecChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	// 120ms is the longest legal Opus frame.
	return &OpusDecoder{dec: dec, buf: make([]int16, codecSampleRate/1000*120*codecChannels)}, nil
}

// Decode converts one Opus packet to PCM samples. The returned slice is
// valid until the next call.
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return d.buf[:n*codecChannels], nil
}

// pcmBytesToSamples reinterprets s16le bytes as int16 samples.
func pcmBytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}
