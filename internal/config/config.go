// ABOUTME: Configuration loading and parsing for inbox-gateway
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete inbox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Messenger MessengerConfig `yaml:"messenger" toml:"messenger"`
	Assistant AssistantConfig `yaml:"assistant" toml:"assistant"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline"`
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Retention RetentionConfig `yaml:"retention" toml:"retention"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"INBOX_HTTP_ADDR"`
	// Port is the bare port form used by most hosting platforms (PORT=3000).
	// When set it overrides the port of HTTPAddr.
	Port        string   `yaml:"-" toml:"-" env:"PORT"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins" env:"CORS_ORIGIN" envSeparator:","`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for Messenger webhooks
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"INBOX_DB_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
	TokenExpiry time.Duration `yaml:"-" toml:"-"`

	TokenExpiryRaw string `yaml:"token_expiry" toml:"token_expiry" env:"JWT_EXPIRATION"`
}

// MessengerConfig holds the social channel integration settings
type MessengerConfig struct {
	VerifyToken string `yaml:"verify_token" toml:"verify_token" env:"META_VERIFY_TOKEN"`
	AccessToken string `yaml:"access_token" toml:"access_token" env:"FACEBOOK_ACCESS_TOKEN"`
	GraphURL    string `yaml:"graph_url" toml:"graph_url" env:"INBOX_GRAPH_URL"`
}

// AssistantConfig holds the external assistant settings
type AssistantConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled" env:"INBOX_ASSISTANT_ENABLED"`
	APIKey       string        `yaml:"api_key" toml:"api_key" env:"OPEN_AI_API_KEY"`
	AssistantID  string        `yaml:"assistant_id" toml:"assistant_id" env:"ASSISTANT_ID"`
	BaseURL      string        `yaml:"base_url" toml:"base_url" env:"INBOX_ASSISTANT_BASE_URL"`
	PollAttempts int           `yaml:"poll_attempts" toml:"poll_attempts"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// PipelineConfig holds ingestion pipeline settings
type PipelineConfig struct {
	DebounceWindow   time.Duration `yaml:"-" toml:"-"`
	AIEnabledDefault bool          `yaml:"ai_enabled_default" toml:"ai_enabled_default" env:"INBOX_AI_ENABLED_DEFAULT"`
	// FirstContactMessage is returned to unknown web customers.
	FirstContactMessage string `yaml:"first_contact_message" toml:"first_contact_message"`

	DebounceWindowRaw string `yaml:"debounce_window" toml:"debounce_window"`
}

// HubConfig holds live connection settings
type HubConfig struct {
	PingInterval time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// RetentionConfig holds the image retention job settings
type RetentionConfig struct {
	Schedule string        `yaml:"schedule" toml:"schedule"`
	ImageTTL time.Duration `yaml:"-" toml:"-"`

	ImageTTLRaw string `yaml:"image_ttl" toml:"image_ttl"`
}

// DedupeConfig holds webhook deduplication settings
type DedupeConfig struct {
	// RedisURL enables a dedupe window shared between gateway replicas.
	RedisURL string        `yaml:"redis_url" toml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// EventsConfig holds the optional AMQP event fan-out settings
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url" env:"AMQP_URL"`
	Exchange string `yaml:"exchange" toml:"exchange" env:"INBOX_EVENTS_EXCHANGE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"INBOX_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"INBOX_LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    "0.0.0.0:3000",
			CORSOrigins: []string{"*"},
		},
		Tailscale: TailscaleConfig{Hostname: "inbox-gateway"},
		Database:  DatabaseConfig{Path: "inbox.db"},
		Auth:      AuthConfig{TokenExpiryRaw: "1h"},
		Messenger: MessengerConfig{GraphURL: "https://graph.facebook.com"},
		Assistant: AssistantConfig{
			Enabled:         true,
			PollAttempts:    15,
			PollIntervalRaw: "2s",
		},
		Pipeline: PipelineConfig{
			AIEnabledDefault:    true,
			DebounceWindowRaw:   "5s",
			FirstContactMessage: "¡Hola! Ya recibimos tu mensaje. En breve te creamos un usuario y te enviamos tus credenciales de acceso.",
		},
		Hub:       HubConfig{PingIntervalRaw: "30s"},
		Retention: RetentionConfig{Schedule: "0 * * * *", ImageTTLRaw: "24h"},
		Dedupe:    DedupeConfig{TTLRaw: "20m"},
		Events:    EventsConfig{Exchange: "inbox.events"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known variables (PORT, JWT_SECRET, META_VERIFY_TOKEN, ...) override
// file values. An empty path loads defaults plus the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw content
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	applyPort(cfg)

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyPort rewrites the HTTP address when a bare PORT is provided.
func applyPort(cfg *Config) {
	if cfg.Server.Port == "" {
		return
	}
	host := "0.0.0.0"
	if i := strings.LastIndex(cfg.Server.HTTPAddr, ":"); i > 0 {
		host = cfg.Server.HTTPAddr[:i]
	}
	cfg.Server.HTTPAddr = host + ":" + cfg.Server.Port
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Assistant.Enabled && c.Assistant.APIKey != "" && c.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.assistant_id is required when an api key is set")
	}

	if c.Assistant.PollAttempts <= 0 {
		return fmt.Errorf("assistant.poll_attempts must be positive, got %d", c.Assistant.PollAttempts)
	}

	if c.Pipeline.DebounceWindow <= 0 {
		return fmt.Errorf("pipeline.debounce_window must be positive")
	}

	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be positive")
	}

	if c.Retention.Schedule == "" {
		return fmt.Errorf("retention.schedule is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// AssistantConfigured reports whether assistant calls can be made at all.
func (c *Config) AssistantConfigured() bool {
	return c.Assistant.Enabled && c.Assistant.APIKey != "" && c.Assistant.AssistantID != ""
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_expiry", cfg.Auth.TokenExpiryRaw, &cfg.Auth.TokenExpiry},
		{"assistant.poll_interval", cfg.Assistant.PollIntervalRaw, &cfg.Assistant.PollInterval},
		{"pipeline.debounce_window", cfg.Pipeline.DebounceWindowRaw, &cfg.Pipeline.DebounceWindow},
		{"hub.ping_interval", cfg.Hub.PingIntervalRaw, &cfg.Hub.PingInterval},
		{"retention.image_ttl", cfg.Retention.ImageTTLRaw, &cfg.Retention.ImageTTL},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
