// Package config persists user playback preferences as a JSON file in the
// platform config directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calliope-player/calliope/internal/output"
)

// UserSettings holds the recognized playback options.
type UserSettings struct {
	// AudioDevice selects an output device by name substring. Empty means
	// the system default.
	AudioDevice string `json:"audio_device"`
	// SampleRate forces the output rate in Hz. 0 means auto-detect.
	SampleRate uint32 `json:"sample_rate"`
	// ExclusiveMode requests exclusive device access for bit-perfect
	// playback, falling back to shared mode when unavailable.
	ExclusiveMode bool `json:"exclusive_mode"`
	// BufferDurationMS is the device period size in milliseconds.
	BufferDurationMS uint32 `json:"buffer_duration_ms"`
}

// DefaultSettings returns the settings used when no file exists yet.
func DefaultSettings() UserSettings {
	return UserSettings{
		SampleRate:       0,
		ExclusiveMode:    true,
		BufferDurationMS: 50,
	}
}

// OutputConfig converts the settings into an output device configuration.
func (s UserSettings) OutputConfig() output.Config {
	cfg := output.DefaultConfig()
	cfg.Device = s.AudioDevice
	cfg.SampleRate = s.SampleRate
	cfg.ExclusiveMode = s.ExclusiveMode
	if s.BufferDurationMS > 0 {
		cfg.BufferDurationMS = s.BufferDurationMS
	}
	return cfg
}

// Manager loads, caches and saves a settings file.
type Manager struct {
	path     string
	settings UserSettings
}

// NewManager opens the settings file under the user config directory,
// creating the directory if needed. A missing file yields defaults; a
// malformed one is an error.
func NewManager() (*Manager, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating config dir: %w", err)
	}
	return newManagerAt(filepath.Join(dir, "calliope", "settings.json"))
}

func newManagerAt(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	m := &Manager{path: path, settings: DefaultSettings()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := json.Unmarshal(data, &m.settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return m, nil
}

// Settings returns the current settings.
func (m *Manager) Settings() UserSettings {
	return m.settings
}

// Update applies new settings and writes them to disk.
func (m *Manager) Update(s UserSettings) error {
	m.settings = s
	return m.save()
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
