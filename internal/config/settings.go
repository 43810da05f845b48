package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Language is the assistant conversation language selection.
type Language string

const (
	LangAuto    Language = "auto"
	LangEnglish Language = "en"
	LangHindi   Language = "hi"
	LangTelugu  Language = "te"
	LangTamil   Language = "ta"
	LangKannada Language = "kn"
)

// Valid reports whether l is a recognized language choice.
func (l Language) Valid() bool {
	switch l {
	case LangAuto, LangEnglish, LangHindi, LangTelugu, LangTamil, LangKannada:
		return true
	}
	return false
}

// VoiceSettings are the user-facing knobs persisted by the application shell.
// This core only reads them: at connect time (language) and at device
// acquisition time (preferred device, raw mode).
type VoiceSettings struct {
	Language          Language `yaml:"language"`
	PreferredDeviceID string   `yaml:"preferred_device_id"`
	RawMicMode        bool     `yaml:"raw_mic_mode"`
}

// DefaultVoiceSettings returns the settings used when no file exists yet
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Language: LangAuto}
}

// SettingsStore reads the externally-persisted voice settings file and
// re-reads it whenever the shell rewrites it.
type SettingsStore struct {
	mu       sync.RWMutex
	path     string
	current  VoiceSettings
	watcher  *fsnotify.Watcher
	onChange func(VoiceSettings)
	done     chan struct{}
}

// NewSettingsStore loads settings from path, falling back to defaults if the
// file does not exist.
func NewSettingsStore(path string) (*SettingsStore, error) {
	s := &SettingsStore{
		path:    path,
		current: DefaultVoiceSettings(),
		done:    make(chan struct{}),
	}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Get returns the current settings snapshot.
func (s *SettingsStore) Get() VoiceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a callback invoked after each successful reload.
func (s *SettingsStore) OnChange(fn func(VoiceSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Watch starts watching the settings file for rewrites by the shell.
func (s *SettingsStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	s.watcher = watcher

	// Watch the directory: editors and the shell replace the file atomically,
	// which would orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if err := s.reload(); err == nil {
						s.mu.RLock()
						fn := s.onChange
						settings := s.current
						s.mu.RUnlock()
						if fn != nil {
							fn(settings)
						}
					}
				}
			case <-watcher.Errors:
				// Watcher errors are non-fatal; the stale snapshot stays in use
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (s *SettingsStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *SettingsStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	settings := DefaultVoiceSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	if !settings.Language.Valid() {
		settings.Language = LangAuto
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return nil
}
