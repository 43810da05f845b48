package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// tone builds one s16le frame of a constant amplitude square wave.
func tone(amplitude float64, samples int) []byte {
	v := int16(amplitude * 32767)
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func silence(samples int) []byte {
	return make([]byte, samples*2)
}

func newTestPublisher(cfg Config) *Publisher {
	return NewPublisher(cfg, bus.NewEventBus(), zerolog.Nop())
}

func TestPublisher_LevelClampedToOne(t *testing.T) {
	p := newTestPublisher(Config{SpeakingLevel: 0.05, SpeakingHold: time.Millisecond, RMSWeight: 2, PeakWeight: 2})

	p.Process(bus.SourceLocal, tone(1.0, 480))

	sample, ok := p.Latest(bus.SourceLocal)
	if !ok {
		t.Fatal("expected a sample")
	}
	if sample.Level != 1 {
		t.Errorf("expected level clamped to 1, got %f", sample.Level)
	}
}

func TestPublisher_SilenceIsNotSpeaking(t *testing.T) {
	p := newTestPublisher(DefaultConfig())

	p.Process(bus.SourceLocal, silence(480))

	sample, _ := p.Latest(bus.SourceLocal)
	if sample.IsSpeaking {
		t.Error("silence must not read as speaking")
	}
	if sample.Level != 0 {
		t.Errorf("expected zero level for silence, got %f", sample.Level)
	}
}

func TestPublisher_SpeakingLatchesAboveThreshold(t *testing.T) {
	p := newTestPublisher(DefaultConfig())

	p.Process(bus.SourceRemote, tone(0.5, 480))

	sample, _ := p.Latest(bus.SourceRemote)
	if !sample.IsSpeaking {
		t.Error("loud frame should latch speaking")
	}
	if sample.Source != bus.SourceRemote {
		t.Errorf("wrong source: %q", sample.Source)
	}
}

func TestPublisher_HangoverKeepsSpeakingBriefly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpeakingHold = 100 * time.Millisecond
	p := newTestPublisher(cfg)

	p.Process(bus.SourceRemote, tone(0.5, 480))
	// A quiet frame inside the hold window keeps the latch up.
	p.Process(bus.SourceRemote, silence(480))

	sample, _ := p.Latest(bus.SourceRemote)
	if !sample.IsSpeaking {
		t.Error("speaking should remain latched within the hangover window")
	}

	// After the window passes, silence releases the latch.
	time.Sleep(120 * time.Millisecond)
	p.Process(bus.SourceRemote, silence(480))

	sample, _ = p.Latest(bus.SourceRemote)
	if sample.IsSpeaking {
		t.Error("speaking should release after the hangover window")
	}
}

func TestPublisher_SourcesAreIndependent(t *testing.T) {
	p := newTestPublisher(DefaultConfig())

	p.Process(bus.SourceRemote, tone(0.5, 480))
	p.Process(bus.SourceLocal, silence(480))

	remote, _ := p.Latest(bus.SourceRemote)
	local, _ := p.Latest(bus.SourceLocal)
	if !remote.IsSpeaking {
		t.Error("remote should be speaking")
	}
	if local.IsSpeaking {
		t.Error("local should not be speaking")
	}
}

func TestPublisher_ResetZeroesSource(t *testing.T) {
	p := newTestPublisher(DefaultConfig())

	p.Process(bus.SourceRemote, tone(0.5, 480))
	p.Reset(bus.SourceRemote)

	if _, ok := p.Latest(bus.SourceRemote); ok {
		t.Error("expected no sample after reset")
	}
}

func TestPublisher_BusReceivesSamples(t *testing.T) {
	b := bus.NewEventBus()
	p := NewPublisher(DefaultConfig(), b, zerolog.Nop())

	got := make(chan bus.AudioLevelSample, 1)
	b.Subscribe(bus.EventTypeAudioLevel, func(e bus.Event) {
		if s, ok := e.Payload.(bus.AudioLevelSample); ok {
			select {
			case got <- s:
			default:
			}
		}
	})

	p.ProcessSamples(bus.SourceRemote, []int16{16000, -16000, 16000, -16000})

	select {
	case s := <-got:
		if s.Level <= 0 {
			t.Errorf("expected positive level, got %f", s.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no sample published on the bus")
	}
}

func TestAnalyzePCM16_Empty(t *testing.T) {
	rms, peak := analyzePCM16(nil)
	if rms != 0 || peak != 0 {
		t.Errorf("expected zero energy for empty frame, got rms=%f peak=%f", rms, peak)
	}
}

func TestAnalyzeSamples_KnownValues(t *testing.T) {
	// Constant half-scale signal: RMS == peak == 0.5 (within rounding).
	samples := []int16{16384, 16384, 16384, 16384}
	rms, peak := analyzeSamples(samples)
	if math.Abs(rms-0.5) > 0.001 {
		t.Errorf("expected rms≈0.5, got %f", rms)
	}
	if math.Abs(peak-0.5) > 0.001 {
		t.Errorf("expected peak≈0.5, got %f", peak)
	}
}
