package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/voxloop/voxloop/pkg/core/turn"
)

// Config holds bridge server configuration.
type Config struct {
	// Host to bind to.
	Host string `json:"host" yaml:"host"`

	// Port to listen on.
	Port int `json:"port" yaml:"port"`

	// ExchangeURL is the base URL of the voice exchange service.
	ExchangeURL string `json:"exchange_url" yaml:"exchange_url"`

	// Session is the default turn-taking configuration for new
	// connections. Clients may override parts of it at session start.
	Session turn.SessionConfig `json:"session" yaml:"session"`

	// ReadTimeout for HTTP requests.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout for HTTP responses.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// SessionIdleTimeout disconnects websocket clients that send
	// nothing for this long. Zero disables the timeout.
	SessionIdleTimeout time.Duration `json:"session_idle_timeout" yaml:"session_idle_timeout"`

	// MaxSessions caps concurrent websocket sessions. Zero means no cap.
	MaxSessions int `json:"max_sessions" yaml:"max_sessions"`

	// Logger for server logs. Not loadable from file.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               8090,
		ExchangeURL:        "http://localhost:8000",
		Session:            turn.DefaultSessionConfig(),
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		SessionIdleTimeout: 5 * time.Minute,
		MaxSessions:        64,
	}
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithConfig replaces the whole configuration. Apply it first when
// combining with other options.
func WithConfig(cfg *Config) ConfigOption {
	return func(c *Config) { *c = *cfg }
}

// WithHost sets the bind host.
func WithHost(host string) ConfigOption {
	return func(c *Config) { c.Host = host }
}

// WithPort sets the listen port.
func WithPort(port int) ConfigOption {
	return func(c *Config) { c.Port = port }
}

// WithExchangeURL sets the exchange service base URL.
func WithExchangeURL(url string) ConfigOption {
	return func(c *Config) { c.ExchangeURL = url }
}

// WithSessionConfig sets the default turn-taking configuration.
func WithSessionConfig(cfg turn.SessionConfig) ConfigOption {
	return func(c *Config) { c.Session = cfg }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) { c.Logger = logger }
}

// WithMaxSessions caps concurrent sessions.
func WithMaxSessions(n int) ConfigOption {
	return func(c *Config) { c.MaxSessions = n }
}

// LoadConfig loads bridge configuration from a YAML or JSON file.
// If path is empty, it attempts to read VOXLOOP_CONFIG; if still empty,
// defaults are returned.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOXLOOP_CONFIG")
	}
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	ext := filepath.Ext(path)
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
		return cfg, nil
	}
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err == nil {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return cfg, nil
	}

	return nil, fmt.Errorf("unsupported config format: %s", ext)
}
