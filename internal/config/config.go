package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.msglist/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	SelfID         string  `toml:"self_id"`
	Engine         Engine  `toml:"engine"`
	Storage        Storage `toml:"storage"`
	Log            Log     `toml:"log"`
	Metrics        Metrics `toml:"metrics"`
}

// Engine tunes pagination and the confidential lifecycle.
type Engine struct {
	PageSize       int      `toml:"page_size"`
	MaxWindow      int      `toml:"max_window"`
	RevealDebounce Duration `toml:"reveal_debounce"`
	PollInterval   Duration `toml:"poll_interval"`
	OutboxInterval Duration `toml:"outbox_interval"`
	Timezone       string   `toml:"timezone"`
}

// Storage locates the database. An empty path uses the profile directory.
type Storage struct {
	DBPath string `toml:"db_path"`
}

// Log controls the logger.
type Log struct {
	Level  string `toml:"level"`
	Stderr bool   `toml:"stderr"`
}

// Metrics controls the prometheus endpoint. An empty listen address disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Duration is a time.Duration written as a string ("500ms") in TOML.
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

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		SelfID:         "me",
		Engine: Engine{
			PageSize:       20,
			MaxWindow:      60,
			RevealDebounce: Duration{500 * time.Millisecond},
			PollInterval:   Duration{time.Second},
			OutboxInterval: Duration{2 * time.Second},
			Timezone:       "Local",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config over the defaults. A missing file is not an error.
// A .env file in the working directory is loaded first and MSGLIST_* variables
// override file values.
func LoadOrDefault(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MSGLIST_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MSGLIST_PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MSGLIST_PAGE_SIZE: invalid value %q", v)
		}
		c.Engine.PageSize = n
	}
	if v, ok := lookup("MSGLIST_DB_PATH"); ok {
		c.Storage.DBPath = v
	}
	if v, ok := lookup("MSGLIST_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("MSGLIST_METRICS_LISTEN"); ok {
		c.Metrics.Listen = v
	}
	if v, ok := lookup("MSGLIST_SELF_ID"); ok {
		c.SelfID = v
	}
	return nil
}

// Location resolves Engine.Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Engine.Timezone == "" || c.Engine.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
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
