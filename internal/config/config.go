// Package config provides configuration management for the EkNova voice overlay
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator configuration
type Config struct {
	Assistant AssistantConfig `mapstructure:"assistant"`
	Wake      WakeConfig      `mapstructure:"wake"`
	Transport TransportConfig `mapstructure:"transport"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Legacy    LegacyConfig    `mapstructure:"legacy"`
}

// AssistantConfig identifies the product and its behavioral instructions
type AssistantConfig struct {
	ProductName  string   `mapstructure:"product_name"`
	Aliases      []string `mapstructure:"aliases"`
	Instructions string   `mapstructure:"instructions"`
}

// WakeConfig configures wake/exit phrase detection.
// The phrase lists and the phonetic substitution table are configuration,
// not code: they are tuned per product name and per language.
type WakeConfig struct {
	WakeWords     []string          `mapstructure:"wake_words"`     // standalone triggers ("hello")
	GreetingWords []string          `mapstructure:"greeting_words"` // need the product name too ("hi", "hey")
	ExitWords     []string          `mapstructure:"exit_words"`
	Substitutions map[string]string `mapstructure:"substitutions"` // mis-hearing -> canonical
	WakeCooldown  time.Duration     `mapstructure:"wake_cooldown"`
	ExitCooldown  time.Duration     `mapstructure:"exit_cooldown"`
	RestartDelay  time.Duration     `mapstructure:"restart_delay"`
	RecognizerURL string            `mapstructure:"recognizer_url"`
}

// TransportConfig configures the realtime session handshake
type TransportConfig struct {
	TokenURL       string        `mapstructure:"token_url"`
	SignalURL      string        `mapstructure:"signal_url"`
	DefaultModel   string        `mapstructure:"default_model"`
	FallbackModel  string        `mapstructure:"fallback_model"`
	Voice          string        `mapstructure:"voice"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	ReleaseDelay   time.Duration `mapstructure:"release_delay"`
	TurnDetection  TurnDetection `mapstructure:"turn_detection"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ICEGatherWait  time.Duration `mapstructure:"ice_gather_wait"`
	STUNServers    []string      `mapstructure:"stun_servers"`
}

// TurnDetection holds server-side voice-activity segmentation parameters
type TurnDetection struct {
	Threshold         float64 `mapstructure:"threshold"`
	PrefixPaddingMs   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMs int     `mapstructure:"silence_duration_ms"`
	CreateResponse    bool    `mapstructure:"create_response"`
}

// AudioConfig configures capture and telemetry
type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	Channels      int           `mapstructure:"channels"`
	SpeakingLevel float64       `mapstructure:"speaking_level"` // level above which isSpeaking latches
	SpeakingHold  time.Duration `mapstructure:"speaking_hold"`  // hangover after the level drops
	RMSWeight     float64       `mapstructure:"rms_weight"`
	PeakWeight    float64       `mapstructure:"peak_weight"`
}

// LegacyConfig configures the non-realtime fallback pipeline endpoints
type LegacyConfig struct {
	TranscribeURL string        `mapstructure:"transcribe_url"`
	CompleteURL   string        `mapstructure:"complete_url"`
	SpeakURL      string        `mapstructure:"speak_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			ProductName: "eeknova",
			Aliases:     []string{"nova"},
			Instructions: "You are EkNova, a friendly voice tutor inside a learning app. " +
				"Keep answers short and conversational.",
		},
		Wake: WakeConfig{
			WakeWords:     []string{"hello"},
			GreetingWords: []string{"hi", "hey"},
			ExitWords:     []string{"bye", "by", "exit"},
			Substitutions: map[string]string{
				"ek a nova": "eeknova",
				"ekanova":   "eeknova",
				"eek nova":  "eeknova",
				"ik nova":   "eeknova",
				"echo nova": "eeknova",
			},
			WakeCooldown:  8 * time.Second,
			ExitCooldown:  2500 * time.Millisecond,
			RestartDelay:  350 * time.Millisecond,
			RecognizerURL: "ws://localhost:8080/api/voice/recognize",
		},
		Transport: TransportConfig{
			TokenURL:       "http://localhost:8080/api/voice/token",
			SignalURL:      "https://api.openai.com/v1/realtime",
			DefaultModel:   "gpt-4o-mini-realtime-preview",
			FallbackModel:  "gpt-4o-realtime-preview",
			Voice:          "verse",
			MaxAttempts:    3,
			BackoffBase:    250 * time.Millisecond,
			ReleaseDelay:   300 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
			ICEGatherWait:  10 * time.Second,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			TurnDetection: TurnDetection{
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 600,
				CreateResponse:    true,
			},
		},
		Audio: AudioConfig{
			SampleRate:    48000,
			Channels:      1,
			SpeakingLevel: 0.06,
			SpeakingHold:  180 * time.Millisecond,
			RMSWeight:     0.7,
			PeakWeight:    0.3,
		},
		Legacy: LegacyConfig{
			TranscribeURL: "http://localhost:8080/api/voice/transcribe",
			CompleteURL:   "http://localhost:8080/api/voice/complete",
			SpeakURL:      "http://localhost:8080/api/voice/speak",
			Timeout:       30 * time.Second,
		},
	}
}

// ConfigDir returns the per-user configuration directory, creating it if needed
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".eeknova")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := ConfigDir()
	if err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("EEKNOVA")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the current configuration to the config file
func Save(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}

	viper.Set("assistant", cfg.Assistant)
	viper.Set("wake", cfg.Wake)
	viper.Set("transport", cfg.Transport)
	viper.Set("audio", cfg.Audio)
	viper.Set("legacy", cfg.Legacy)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}
