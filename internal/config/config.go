package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Preferences holds all persisted host settings. The bridge reads it on
// every auto-connect pass; the UI and the bridge's auto-disable path
// write it.
type Preferences struct {
	Device  DeviceConfig  `yaml:"device"`
	Typing  TypingConfig  `yaml:"typing"`
	Volume  VolumeConfig  `yaml:"volume"`
	Share   ShareConfig   `yaml:"share"`
	Connect ConnectConfig `yaml:"connect"`

	LogLevel string `yaml:"log_level"`
}

// DeviceConfig identifies the selected dongle.
type DeviceConfig struct {
	Addr string `yaml:"addr"` // opaque BLE address / platform UUID
	Name string `yaml:"name"`
}

// TypingConfig holds text-typing settings.
type TypingConfig struct {
	Layout        string `yaml:"layout"`         // e.g. "US_QWERTY"
	AppendNewline bool   `yaml:"append_newline"` // send a trailing newline with each string
}

// VolumeConfig remaps the dongle's volume keys to HID usages.
type VolumeConfig struct {
	UpUsage   uint8 `yaml:"up_usage"`
	DownUsage uint8 `yaml:"down_usage"`
}

// ShareConfig controls whether shared text from other apps is typed.
type ShareConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConnectConfig holds auto-connect behavior.
type ConnectConfig struct {
	Auto bool `yaml:"auto"`
	// DisabledByError is set by the bridge when auto-connect gave up
	// after repeated failures. A later successful connect clears it.
	DisabledByError bool `yaml:"disabled_by_error"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "keylink")
}

// DefaultConfigPath returns the default preferences file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultKeyDir returns the default APPKEY store directory.
func DefaultKeyDir() string {
	return filepath.Join(DefaultConfigDir(), "keys")
}

// Default returns Preferences with sensible default values.
func Default() *Preferences {
	return &Preferences{
		Typing: TypingConfig{
			Layout:        "US_QWERTY",
			AppendNewline: false,
		},
		Volume: VolumeConfig{
			UpUsage:   0x80, // HID consumer volume up
			DownUsage: 0x81,
		},
		Connect: ConnectConfig{
			Auto: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML preferences file. Missing fields are
// filled with defaults.
func Load(path string) (*Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	prefs := Default()
	if err := yaml.Unmarshal(data, prefs); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return prefs, nil
}

// LoadOrDefault loads path, returning defaults if the file is absent.
func LoadOrDefault(path string) (*Preferences, error) {
	prefs, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return prefs, nil
}

// Save writes the preferences back to path, creating the directory if
// needed.
func (p *Preferences) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the preferences for invalid values.
func (p *Preferences) Validate() error {
	if p.Typing.Layout == "" {
		return fmt.Errorf("typing.layout must not be empty")
	}
	for _, r := range p.Typing.Layout {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("typing.layout must match [A-Z0-9_]+, got %q", p.Typing.Layout)
		}
	}

	switch p.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", p.LogLevel)
	}

	return nil
}
