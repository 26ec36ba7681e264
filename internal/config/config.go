// Package config loads pairgate's JSON5 configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/pairgate/internal/credentials"
)

// DefaultBotID is the id of the process-wide session.
const DefaultBotID = "default"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Sessions  SessionsConfig  `json:"sessions"`
	Pairing   PairingConfig   `json:"pairing"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Remote    RemoteConfig    `json:"remote"`
	Redis     RedisConfig     `json:"redis"`
	Plugins   PluginsConfig   `json:"plugins"`
	Log       LogConfig       `json:"log"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`            // bearer token; empty disables auth
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`   // per-IP pairing requests per minute; 0 disables
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin allowlist
}

// SessionsConfig configures the credential store.
type SessionsConfig struct {
	Dir          string `json:"dir"`
	DefaultBotID string `json:"default_bot_id"`
	ClientTag    string `json:"client_tag,omitempty"` // name shown in the phone's linked devices
	Resume       *bool  `json:"resume,omitempty"`     // reconnect stored bundles at startup (default true)
}

// PairingConfig configures pairing codes.
type PairingConfig struct {
	TTLSeconds     int `json:"ttl_seconds"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // native pairing request budget
}

// ReconnectConfig is the reconnect backoff policy.
type ReconnectConfig struct {
	MaxAttempts      int `json:"max_attempts"` // 0 = unbounded
	BaseDelaySeconds int `json:"base_delay_seconds"`
	MaxDelaySeconds  int `json:"max_delay_seconds"`
}

// RemoteConfig points the default session at a remote credential bundle.
type RemoteConfig struct {
	Bundle         string                `json:"bundle,omitempty"` // s3://, http(s):// or inline base64
	S3             credentials.S3Options `json:"s3,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
	Key            string                `json:"key,omitempty"` // opens sealed bundles (aes-gcm:)
}

// RedisConfig enables the event relay.
type RedisConfig struct {
	URL     string `json:"url,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// PluginsConfig configures JS plugins run on connection open.
type PluginsConfig struct {
	Dir            string `json:"dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// TelemetryConfig configures OTLP export (only with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			RateLimitRPM: 30,
		},
		Sessions: SessionsConfig{
			Dir:          "~/.pairgate/sessions",
			DefaultBotID: DefaultBotID,
		},
		Pairing: PairingConfig{
			TTLSeconds:     600,
			TimeoutSeconds: 30,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:      10,
			BaseDelaySeconds: 5,
			MaxDelaySeconds:  120,
		},
		Redis: RedisConfig{Channel: "pairgate:events"},
		Plugins: PluginsConfig{
			Dir:            "~/.pairgate/plugins",
			TimeoutSeconds: 5,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "pairgate",
		},
	}
}

// Load reads the config at path over the defaults. A missing file is not an
// error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PAIRGATE_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("PAIRGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PAIRGATE_CREDS_REMOTE"); v != "" {
		c.Remote.Bundle = v
	}
	if v := os.Getenv("PAIRGATE_BUNDLE_KEY"); v != "" {
		c.Remote.Key = v
	}
	if v := os.Getenv("PAIRGATE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PAIRGATE_SESSIONS_DIR"); v != "" {
		c.Sessions.Dir = v
	}
	if v := os.Getenv("PAIRGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.Dir == "" {
		return errors.New("sessions.dir is required")
	}
	if err := credentials.ValidateBotID(c.Sessions.DefaultBotID); err != nil {
		return fmt.Errorf("sessions.default_bot_id: %w", err)
	}
	if c.Pairing.TTLSeconds <= 0 {
		return errors.New("pairing.ttl_seconds must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.MaxDelaySeconds < c.Reconnect.BaseDelaySeconds {
		return errors.New("reconnect.max_delay_seconds must be >= base_delay_seconds")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PairingTTL returns the pairing code lifetime.
func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.Pairing.TTLSeconds) * time.Second
}

// PairTimeout returns the native pairing request budget.
func (c *Config) PairTimeout() time.Duration {
	return time.Duration(c.Pairing.TimeoutSeconds) * time.Second
}

// ResumeSessions reports whether stored bundles reconnect at startup.
func (c *Config) ResumeSessions() bool {
	return c.Sessions.Resume == nil || *c.Sessions.Resume
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// DefaultPath returns $PAIRGATE_CONFIG or ~/.pairgate/config.json.
func DefaultPath() string {
	if v := os.Getenv("PAIRGATE_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.pairgate/config.json")
}
