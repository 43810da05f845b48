// EkNova voice overlay orchestrator. Owns wake detection, microphone
// arbitration, and the realtime assistant session; rendering and the
// desktop shell live in the host application.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/normanking/eeknova-voice/internal/assistant"
	"github.com/normanking/eeknova-voice/internal/bus"
	"github.com/normanking/eeknova-voice/internal/config"
	"github.com/normanking/eeknova-voice/internal/legacy"
	"github.com/normanking/eeknova-voice/internal/logging"
	"github.com/normanking/eeknova-voice/internal/mic"
	"github.com/normanking/eeknova-voice/internal/telemetry"
	"github.com/normanking/eeknova-voice/internal/transport"
	"github.com/normanking/eeknova-voice/internal/wake"
)

func main() {
	syslog, err := logging.New(logging.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer syslog.Close()

	syslog.Info("main", "Starting EkNova voice orchestrator", nil)

	cfg, err := config.Load()
	if err != nil {
		syslog.Error("main", "Failed to load config, using defaults", err, nil)
		cfg = config.DefaultConfig()
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		syslog.Error("main", "Failed to resolve config directory", err, nil)
		os.Exit(1)
	}

	settings, err := config.NewSettingsStore(filepath.Join(configDir, "settings.yaml"))
	if err != nil {
		syslog.Error("main", "Failed to load voice settings", err, nil)
		os.Exit(1)
	}
	if err := settings.Watch(); err != nil {
		syslog.Warn("main", "Settings hot-reload unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer settings.Close()

	log := syslog.Zerolog()
	eventBus := bus.NewEventBus()

	arbiter := mic.NewArbiter(eventBus, log)
	capture := mic.NewFFmpegCapture("ffmpeg", "")

	device := func() mic.DeviceRequest {
		s := settings.Get()
		return mic.DeviceRequest{
			DeviceID:   s.PreferredDeviceID,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Raw:        s.RawMicMode,
		}
	}
	language := func() string { return string(settings.Get().Language) }

	publisher := telemetry.NewPublisher(telemetry.Config{
		SpeakingLevel: cfg.Audio.SpeakingLevel,
		SpeakingHold:  cfg.Audio.SpeakingHold,
		RMSWeight:     cfg.Audio.RMSWeight,
		PeakWeight:    cfg.Audio.PeakWeight,
	}, eventBus, log)

	monitor := mic.NewMonitor(arbiter, capture, publisher, device, log)

	recCfg := wake.DefaultStreamRecognizerConfig(cfg.Wake.RecognizerURL)
	recCfg.APIKey = os.Getenv("EEKNOVA_RECOGNIZER_KEY")
	recCfg.SampleRate = cfg.Audio.SampleRate
	if lang := settings.Get().Language; lang != config.LangAuto {
		recCfg.Language = string(lang)
	}
	recognizer := wake.NewStreamRecognizer(recCfg, log)

	normalizer := wake.NewNormalizer(cfg.Wake.Substitutions)
	listener := wake.NewListener(
		arbiter,
		capture,
		recognizer,
		normalizer,
		publisher,
		device,
		cfg.Wake.RestartDelay,
		eventBus,
		log,
	)

	credClient := transport.NewCredentialClient(transport.CredentialConfig{
		TokenURL:    cfg.Transport.TokenURL,
		Voice:       cfg.Transport.Voice,
		MaxAttempts: cfg.Transport.MaxAttempts,
		BackoffBase: cfg.Transport.BackoffBase,
		Timeout:     cfg.Transport.RequestTimeout,
	}, log)

	session, err := transport.NewSession(
		transport.SessionConfig{
			SignalURL:         cfg.Transport.SignalURL,
			DefaultModel:      cfg.Transport.DefaultModel,
			FallbackModel:     cfg.Transport.FallbackModel,
			Instructions:      cfg.Assistant.Instructions,
			STUNServers:       cfg.Transport.STUNServers,
			ICEGatherWait:     cfg.Transport.ICEGatherWait,
			ReleaseDelay:      cfg.Transport.ReleaseDelay,
			Timeout:           cfg.Transport.RequestTimeout,
			TurnThreshold:     cfg.Transport.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.Transport.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.Transport.TurnDetection.SilenceDurationMs,
			CreateResponse:    cfg.Transport.TurnDetection.CreateResponse,
		},
		credClient,
		arbiter,
		capture,
		publisher,
		device,
		language,
		eventBus,
		log,
	)
	if err != nil {
		syslog.Error("main", "Failed to build transport session", err, nil)
		os.Exit(1)
	}

	orchestrator := assistant.NewOrchestrator(
		wake.InterpreterConfig{
			ProductName:   cfg.Assistant.ProductName,
			Aliases:       cfg.Assistant.Aliases,
			WakeWords:     cfg.Wake.WakeWords,
			GreetingWords: cfg.Wake.GreetingWords,
			ExitWords:     cfg.Wake.ExitWords,
			WakeCooldown:  cfg.Wake.WakeCooldown,
			ExitCooldown:  cfg.Wake.ExitCooldown,
		},
		cfg.Wake.Substitutions,
		session,
		listener,
		monitor,
		language,
		eventBus,
		log,
	)
	orchestrator.SetFallback(legacy.NewClient(legacy.Config{
		TranscribeURL: cfg.Legacy.TranscribeURL,
		CompleteURL:   cfg.Legacy.CompleteURL,
		SpeakURL:      cfg.Legacy.SpeakURL,
		Timeout:       cfg.Legacy.Timeout,
	}, log))

	orchestrator.Start()
	syslog.Info("main", "Voice orchestrator running", map[string]interface{}{
		"product": cfg.Assistant.ProductName,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	syslog.Info("main", "Shutting down", nil)
	orchestrator.Stop()
}
