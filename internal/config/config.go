package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration at <datadir>/config.toml.
type Config struct {
	ListenAddr      string `toml:"listen_addr"`
	LogLevel        string `toml:"log_level"`
	SendTimeoutMS   int    `toml:"send_timeout_ms"`
	InboxDebounceMS int    `toml:"inbox_debounce_ms"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8636",
		LogLevel:        "info",
		SendTimeoutMS:   10000,
		InboxDebounceMS: 150,
	}
}

// SendTimeout returns the bounded timeout applied to message sends.
func (c *Config) SendTimeout() time.Duration {
	if c.SendTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// InboxDebounce returns the window used to coalesce inbox recomputes.
func (c *Config) InboxDebounce() time.Duration {
	if c.InboxDebounceMS <= 0 {
		return 150 * time.Millisecond
	}
	return time.Duration(c.InboxDebounceMS) * time.Millisecond
}

// Load reads config from the given path. Returns defaults if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
