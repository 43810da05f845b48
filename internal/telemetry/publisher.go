// Package telemetry turns raw audio streams into the smoothed level/speaking
// signal the avatar animation layer consumes.
package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// Config holds telemetry tuning.
type Config struct {
	SpeakingLevel float64       // level above which isSpeaking latches
	SpeakingHold  time.Duration // hangover after the level drops, avoids flicker between words
	RMSWeight     float64
	PeakWeight    float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SpeakingLevel: 0.06,
		SpeakingHold:  180 * time.Millisecond,
		RMSWeight:     0.7,
		PeakWeight:    0.3,
	}
}

// Publisher computes an energy level per audio frame and publishes
// AudioLevelSample events. One publisher serves both the local mic and the
// remote assistant stream; per-source state is independent.
type Publisher struct {
	cfg    Config
	bus    *bus.EventBus
	logger zerolog.Logger

	mu     sync.Mutex
	states map[bus.AudioSource]*sourceState
}

type sourceState struct {
	speaking  bool
	lastAbove time.Time
	latest    bus.AudioLevelSample
	hasSample bool
}

// NewPublisher creates a telemetry publisher.
func NewPublisher(cfg Config, eventBus *bus.EventBus, logger zerolog.Logger) *Publisher {
	if cfg.SpeakingLevel <= 0 {
		cfg.SpeakingLevel = DefaultConfig().SpeakingLevel
	}
	if cfg.SpeakingHold <= 0 {
		cfg.SpeakingHold = DefaultConfig().SpeakingHold
	}
	if cfg.RMSWeight <= 0 && cfg.PeakWeight <= 0 {
		cfg.RMSWeight = DefaultConfig().RMSWeight
		cfg.PeakWeight = DefaultConfig().PeakWeight
	}
	return &Publisher{
		cfg:    cfg,
		bus:    eventBus,
		logger: logger.With().Str("component", "telemetry").Logger(),
		states: make(map[bus.AudioSource]*sourceState),
	}
}

// Process analyzes one frame of s16le PCM and publishes a level sample.
func (p *Publisher) Process(source bus.AudioSource, pcm []byte) {
	rms, peak := analyzePCM16(pcm)
	p.publish(source, rms, peak)
}

// ProcessSamples analyzes one frame of int16 samples (decoded Opus path).
func (p *Publisher) ProcessSamples(source bus.AudioSource, samples []int16) {
	rms, peak := analyzeSamples(samples)
	p.publish(source, rms, peak)
}

// Latest returns the most recent sample for a source. Stale samples are
// simply overwritten; there is no backlog.
func (p *Publisher) Latest(source bus.AudioSource) (bus.AudioLevelSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[source]
	if !ok || !st.hasSample {
		return bus.AudioLevelSample{}, false
	}
	return st.latest, true
}

// Reset clears per-source state, used when a stream ends so the avatar's
// mouth closes instead of holding the last level.
func (p *Publisher) Reset(source bus.AudioSource) {
	p.mu.Lock()
	delete(p.states, source)
	p.mu.Unlock()

	p.bus.Publish(bus.Event{
		Type: bus.EventTypeAudioLevel,
		Payload: bus.AudioLevelSample{
			Level:      0,
			IsSpeaking: false,
			Source:     source,
			Timestamp:  time.Now(),
		},
	})
}

func (p *Publisher) publish(source bus.AudioSource, rms, peak float64) {
	level := p.cfg.RMSWeight*rms + p.cfg.PeakWeight*peak
	if level > 1 {
		level = 1
	}

	now := time.Now()

	p.mu.Lock()
	st, ok := p.states[source]
	if !ok {
		st = &sourceState{}
		p.states[source] = st
	}

	if level >= p.cfg.SpeakingLevel {
		st.speaking = true
		st.lastAbove = now
	} else if st.speaking && now.Sub(st.lastAbove) > p.cfg.SpeakingHold {
		st.speaking = false
	}

	sample := bus.AudioLevelSample{
		Level:      level,
		IsSpeaking: st.speaking,
		Source:     source,
		Timestamp:  now,
	}
	st.latest = sample
	st.hasSample = true
	p.mu.Unlock()

	p.bus.Publish(bus.Event{Type: bus.EventTypeAudioLevel, Payload: sample})
}

// analyzePCM16 computes RMS and peak amplitude of an s16le frame, both
// normalized to [0,1].
func analyzePCM16(pcm []byte) (rms, peak float64) {
	if len(pcm) < 2 {
		return 0, 0
	}

	var sum float64
	var count int
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := math.Abs(float64(sample)) / 32768.0
		sum += normalized * normalized
		if normalized > peak {
			peak = normalized
		}
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return math.Sqrt(sum / float64(count)), peak
}

func analyzeSamples(samples []int16) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}

	var sum float64
	for _, s := range samples {
		normalized := math.Abs(float64(s)) / 32768.0
		sum += normalized * normalized
		if normalized > peak {
			peak = normalized
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}
