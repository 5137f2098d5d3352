package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.port/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Relay   RelayConfig   `toml:"relay"`
	Sync    SyncConfig    `toml:"sync"`
	Ports   PortsConfig   `toml:"ports"`
	Backups BackupsConfig `toml:"backups"`
}

// RelayConfig points the daemon at the relay server.
type RelayConfig struct {
	URL        string `toml:"url"`
	BundleHost string `toml:"bundle_host"`
}

// SyncConfig tunes the reconciler and the outbox sender.
type SyncConfig struct {
	ReconcileInterval Duration `toml:"reconcile_interval"`
	Debounce          Duration `toml:"debounce"`
	SendInterval      Duration `toml:"send_interval"`
}

// PortsConfig holds defaults for newly created ports.
type PortsConfig struct {
	DefaultExpiry Duration `toml:"default_expiry"`
}

// BackupsConfig controls where exported backups are written.
type BackupsConfig struct {
	Dir string `toml:"dir"`
}

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:        "https://relay.port.app",
			BundleHost: "port.link",
		},
		Sync: SyncConfig{
			ReconcileInterval: Duration{time.Minute},
			Debounce:          Duration{2 * time.Second},
			SendInterval:      Duration{500 * time.Millisecond},
		},
		Ports: PortsConfig{
			DefaultExpiry: Duration{7 * 24 * time.Hour},
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
