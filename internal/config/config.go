package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// Environment overrides.
const (
	EnvAPIBase     = "INBOXD_API_BASE"
	EnvSocketURL   = "INBOXD_SOCKET_URL"
	EnvTokenPath   = "INBOXD_TOKEN_PATH"
	EnvMetricsAddr = "INBOXD_METRICS_ADDR"
)

// Duration is a time.Duration written as a string ("5s") in TOML.
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

// Config represents the global ~/.inboxd/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	APIBase        string          `toml:"api_base"`
	SocketURL      string          `toml:"socket_url"`
	CredentialPath string          `toml:"credential_path"`
	MetricsAddr    string          `toml:"metrics_addr"`
	LogLevel       string          `toml:"log_level"`
	Alerts         bool            `toml:"alerts"`
	Poll           PollConfig      `toml:"poll"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Outbox         OutboxConfig    `toml:"outbox"`
}

// PollConfig holds the polling periods.
type PollConfig struct {
	Messages      Duration `toml:"messages"`
	Conversations Duration `toml:"conversations"`
	Stats         Duration `toml:"stats"`
	Notifications Duration `toml:"notifications"`
	UnreadCount   Duration `toml:"unread_count"`
	CallLog       Duration `toml:"call_log"`
	ActiveCalls   Duration `toml:"active_calls"`
	RefocusGap    Duration `toml:"refocus_gap"`
}

// ReconnectConfig bounds push-channel reconnection.
type ReconnectConfig struct {
	Attempts     int      `toml:"attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
}

// OutboxConfig controls optimistic sends.
type OutboxConfig struct {
	Timeout Duration `toml:"timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		APIBase:  "http://localhost:3000/api",
		LogLevel: "info",
		Alerts:   true,
		Poll: PollConfig{
			Messages:      Duration{5 * time.Second},
			Conversations: Duration{10 * time.Second},
			Stats:         Duration{60 * time.Second},
			Notifications: Duration{30 * time.Second},
			UnreadCount:   Duration{30 * time.Second},
			CallLog:       Duration{30 * time.Second},
			ActiveCalls:   Duration{5 * time.Second},
			RefocusGap:    Duration{2 * time.Second},
		},
		Reconnect: ReconnectConfig{
			Attempts:     5,
			InitialDelay: Duration{time.Second},
			MaxDelay:     Duration{5 * time.Second},
		},
		Outbox: OutboxConfig{
			Timeout: Duration{60 * time.Second},
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the config file
// if present, then variables from envFile if present, then the process
// environment. The result is validated.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIBase); ok && v != "" {
		c.APIBase = v
	}
	if v, ok := lookup(EnvSocketURL); ok && v != "" {
		c.SocketURL = v
	}
	if v, ok := lookup(EnvTokenPath); ok && v != "" {
		c.CredentialPath = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseHTTPURL(c.APIBase); err != nil {
		errs = append(errs, fmt.Errorf("api_base: %w", err))
	}
	if c.SocketURL != "" {
		if _, err := parseHTTPURL(c.SocketURL); err != nil {
			errs = append(errs, fmt.Errorf("socket_url: %w", err))
		}
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	for name, d := range map[string]Duration{
		"poll.messages":       c.Poll.Messages,
		"poll.conversations":  c.Poll.Conversations,
		"poll.stats":          c.Poll.Stats,
		"poll.notifications":  c.Poll.Notifications,
		"poll.unread_count":   c.Poll.UnreadCount,
		"poll.call_log":       c.Poll.CallLog,
		"poll.active_calls":   c.Poll.ActiveCalls,
		"poll.refocus_gap":    c.Poll.RefocusGap,
		"reconnect.max_delay": c.Reconnect.MaxDelay,
		"outbox.timeout":      c.Outbox.Timeout,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Reconnect.Attempts < 0 {
		errs = append(errs, errors.New("reconnect.attempts must not be negative"))
	}
	if c.Reconnect.InitialDelay.Duration <= 0 || c.Reconnect.InitialDelay.Duration > c.Reconnect.MaxDelay.Duration {
		errs = append(errs, errors.New("reconnect.initial_delay must be positive and at most max_delay"))
	}
	return errors.Join(errs...)
}

// ChannelURL is the push-channel base: socket_url when set, otherwise the
// API base with its path stripped.
func (c *Config) ChannelURL() string {
	if c.SocketURL != "" {
		return strings.TrimRight(c.SocketURL, "/")
	}
	u, err := parseHTTPURL(c.APIBase)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q: missing host", raw)
	}
	return u, nil
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
