package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the global ~/.sphere/config.toml. Every field can be
// overridden by the SPHERE_* environment variable named in its env tag.
type Config struct {
	DefaultSession string `toml:"default_session" env:"SPHERE_SESSION"`
	APIURL         string `toml:"api_url" env:"SPHERE_API_URL"`
	WSURL          string `toml:"ws_url" env:"SPHERE_WS_URL"`
	Token          string `toml:"token" env:"SPHERE_TOKEN"`
	Identity       string `toml:"identity" env:"SPHERE_IDENTITY"`
	LogLevel       string `toml:"log_level" env:"SPHERE_LOG_LEVEL"`
	Chat           Chat   `toml:"chat"`
}

// Chat tunes the messaging core.
type Chat struct {
	ReconnectBase   time.Duration `toml:"reconnect_base" env:"SPHERE_RECONNECT_BASE"`
	ReconnectMax    time.Duration `toml:"reconnect_max" env:"SPHERE_RECONNECT_MAX"`
	TypingWindow    time.Duration `toml:"typing_window" env:"SPHERE_TYPING_WINDOW"`
	PresenceTimeout time.Duration `toml:"presence_timeout" env:"SPHERE_PRESENCE_TIMEOUT"`
	EchoWindow      time.Duration `toml:"echo_window" env:"SPHERE_ECHO_WINDOW"`
	PingInterval    time.Duration `toml:"ping_interval" env:"SPHERE_PING_INTERVAL"`
	FetchTimeout    time.Duration `toml:"fetch_timeout" env:"SPHERE_FETCH_TIMEOUT"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Chat: Chat{
			ReconnectBase:   500 * time.Millisecond,
			ReconnectMax:    30 * time.Second,
			TypingWindow:    3 * time.Second,
			PresenceTimeout: 6 * time.Second,
			EchoWindow:      10 * time.Second,
			PingInterval:    25 * time.Second,
			FetchTimeout:    15 * time.Second,
		},
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

// Resolve builds the effective configuration: the file at path (optional),
// then environment overrides, then defaults for anything still unset.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.fill(Defaults())
	return cfg, nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required (or SPHERE_API_URL)"))
	}
	if c.WSURL == "" {
		errs = append(errs, errors.New("ws_url is required (or SPHERE_WS_URL)"))
	}
	if c.Chat.ReconnectMax < c.Chat.ReconnectBase {
		errs = append(errs, fmt.Errorf("chat.reconnect_max %s is below chat.reconnect_base %s", c.Chat.ReconnectMax, c.Chat.ReconnectBase))
	}
	return errors.Join(errs...)
}

func (c *Config) fill(d Config) {
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	setDuration(&c.Chat.ReconnectBase, d.Chat.ReconnectBase)
	setDuration(&c.Chat.ReconnectMax, d.Chat.ReconnectMax)
	setDuration(&c.Chat.TypingWindow, d.Chat.TypingWindow)
	if c.Chat.PresenceTimeout <= 0 {
		c.Chat.PresenceTimeout = 2 * c.Chat.TypingWindow
	}
	setDuration(&c.Chat.EchoWindow, d.Chat.EchoWindow)
	setDuration(&c.Chat.PingInterval, d.Chat.PingInterval)
	setDuration(&c.Chat.FetchTimeout, d.Chat.FetchTimeout)
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
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
