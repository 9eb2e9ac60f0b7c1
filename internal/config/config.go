// Package config reads and writes the daemon's config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string such as "5s".
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

// Config is the full daemon configuration.
type Config struct {
	Instance  string          `toml:"instance"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	HTTP      HTTPConfig      `toml:"http"`
	Redis     RedisConfig     `toml:"redis"`
	Log       LogConfig       `toml:"log"`
}

// GatewayConfig points at the messaging gateway.
type GatewayConfig struct {
	BaseURL        string   `toml:"base_url"`
	Session        string   `toml:"session"`
	APIKey         string   `toml:"api_key"`
	Timeout        Duration `toml:"timeout"`
	StatusInterval Duration `toml:"status_interval"`
}

// DispatchConfig tunes the worker pool and retry policy.
type DispatchConfig struct {
	Workers      int      `toml:"workers"`
	MaxAttempts  int      `toml:"max_attempts"`
	BaseDelay    Duration `toml:"base_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	LeaseTimeout Duration `toml:"lease_timeout"`
	SendTimeout  Duration `toml:"send_timeout"`
	PollInterval Duration `toml:"poll_interval"`
}

// ReconcileConfig tunes the orphan re-enqueue and job purge loop.
type ReconcileConfig struct {
	Interval  Duration `toml:"interval"`
	Grace     Duration `toml:"grace"`
	Retention Duration `toml:"retention"`
}

// HTTPConfig is the ChatService listener.
type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// RedisConfig enables status notifications when URL is set.
type RedisConfig struct {
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
}

// LogConfig controls the log files.
type LogConfig struct {
	Level         string `toml:"level"`
	RotationHours int    `toml:"rotation_hours"`
	MaxAgeDays    int    `toml:"max_age_days"`
}

// Default returns a config with every field set.
func Default() *Config {
	return &Config{
		Instance: "main",
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:3000/api",
			Session:        "default",
			Timeout:        Duration{15 * time.Second},
			StatusInterval: Duration{30 * time.Second},
		},
		Dispatch: DispatchConfig{
			Workers:      4,
			MaxAttempts:  3,
			BaseDelay:    Duration{5 * time.Second},
			LeaseTimeout: Duration{time.Minute},
			SendTimeout:  Duration{20 * time.Second},
			PollInterval: Duration{500 * time.Millisecond},
		},
		Reconcile: ReconcileConfig{
			Interval:  Duration{30 * time.Second},
			Grace:     Duration{time.Minute},
			Retention: Duration{7 * 24 * time.Hour},
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Channel: "chatd.events",
		},
		Log: LogConfig{
			Level:         "info",
			RotationHours: 24,
			MaxAgeDays:    30,
		},
	}
}

// Load reads path over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve is Load, except that a missing file yields the defaults.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway.base_url: invalid url %q", c.Gateway.BaseURL)
	}
	if c.Gateway.Session == "" {
		return errors.New("gateway.session is required")
	}
	if c.Dispatch.Workers < 1 {
		return errors.New("dispatch.workers must be at least 1")
	}
	if c.Dispatch.SendTimeout.Duration >= c.Dispatch.LeaseTimeout.Duration {
		return fmt.Errorf("dispatch.send_timeout (%s) must be shorter than dispatch.lease_timeout (%s)",
			c.Dispatch.SendTimeout, c.Dispatch.LeaseTimeout)
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return nil
}

// Save writes cfg to path, creating parent dirs as needed.
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
