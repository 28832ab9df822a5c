// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, env overrides and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  token_expiry: "2h"

messenger:
  verify_token: "verify-me"
  access_token: "page-token"

assistant:
  api_key: "sk-test"
  assistant_id: "asst_123"
  poll_attempts: 10
  poll_interval: "2500ms"

pipeline:
  debounce_window: "3s"
  ai_enabled_default: false

hub:
  ping_interval: "15s"

retention:
  schedule: "*/30 * * * *"
  image_ttl: "12h"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.TokenExpiry != 2*time.Hour {
		t.Errorf("Auth.TokenExpiry = %v, want %v", cfg.Auth.TokenExpiry, 2*time.Hour)
	}
	if cfg.Messenger.VerifyToken != "verify-me" {
		t.Errorf("Messenger.VerifyToken = %q, want %q", cfg.Messenger.VerifyToken, "verify-me")
	}
	if cfg.Assistant.PollAttempts != 10 {
		t.Errorf("Assistant.PollAttempts = %d, want 10", cfg.Assistant.PollAttempts)
	}
	if cfg.Assistant.PollInterval != 2500*time.Millisecond {
		t.Errorf("Assistant.PollInterval = %v, want 2.5s", cfg.Assistant.PollInterval)
	}
	if cfg.Pipeline.DebounceWindow != 3*time.Second {
		t.Errorf("Pipeline.DebounceWindow = %v, want 3s", cfg.Pipeline.DebounceWindow)
	}
	if cfg.Pipeline.AIEnabledDefault {
		t.Error("Pipeline.AIEnabledDefault should be false")
	}
	if cfg.Hub.PingInterval != 15*time.Second {
		t.Errorf("Hub.PingInterval = %v, want 15s", cfg.Hub.PingInterval)
	}
	if cfg.Retention.Schedule != "*/30 * * * *" {
		t.Errorf("Retention.Schedule = %q", cfg.Retention.Schedule)
	}
	if cfg.Retention.ImageTTL != 12*time.Hour {
		t.Errorf("Retention.ImageTTL = %v, want 12h", cfg.Retention.ImageTTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.AssistantConfigured() {
		t.Error("AssistantConfigured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  jwt_secret: "test-secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.DebounceWindow != 5*time.Second {
		t.Errorf("default debounce = %v, want 5s", cfg.Pipeline.DebounceWindow)
	}
	if !cfg.Pipeline.AIEnabledDefault {
		t.Error("AI should be enabled by default for new conversations")
	}
	if cfg.Hub.PingInterval != 30*time.Second {
		t.Errorf("default ping interval = %v, want 30s", cfg.Hub.PingInterval)
	}
	if cfg.Retention.Schedule != "0 * * * *" {
		t.Errorf("default schedule = %q, want hourly", cfg.Retention.Schedule)
	}
	if cfg.Retention.ImageTTL != 24*time.Hour {
		t.Errorf("default image ttl = %v, want 24h", cfg.Retention.ImageTTL)
	}
	if cfg.Assistant.PollAttempts != 15 || cfg.Assistant.PollInterval != 2*time.Second {
		t.Errorf("default polling = %d x %v", cfg.Assistant.PollAttempts, cfg.Assistant.PollInterval)
	}
	if cfg.AssistantConfigured() {
		t.Error("assistant should not be configured without an api key")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9090"

[auth]
jwt_secret = "toml-secret"

[pipeline]
debounce_window = "1s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret != "toml-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Pipeline.DebounceWindow != time.Second {
		t.Errorf("Pipeline.DebounceWindow = %v, want 1s", cfg.Pipeline.DebounceWindow)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_INBOX_SECRET", "expanded-secret")
	t.Setenv("TEST_INBOX_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_INBOX_DB}"
auth:
  jwt_secret: "${TEST_INBOX_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("META_VERIFY_TOKEN", "env-verify")
	t.Setenv("FACEBOOK_ACCESS_TOKEN", "env-page-token")
	t.Setenv("OPEN_AI_API_KEY", "sk-env")
	t.Setenv("ASSISTANT_ID", "asst_env")
	t.Setenv("PORT", "4000")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "from-file"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want env value", cfg.Auth.JWTSecret)
	}
	if cfg.Messenger.VerifyToken != "env-verify" {
		t.Errorf("Messenger.VerifyToken = %q", cfg.Messenger.VerifyToken)
	}
	if cfg.Messenger.AccessToken != "env-page-token" {
		t.Errorf("Messenger.AccessToken = %q", cfg.Messenger.AccessToken)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:4000" {
		t.Errorf("Server.HTTPAddr = %q, want port from PORT", cfg.Server.HTTPAddr)
	}
	if !cfg.AssistantConfigured() {
		t.Error("assistant should be configured from env")
	}
}

func TestLoad_EmptyPathUsesEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "only-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "only-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "only-env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing config file", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  jwt_secret: "secret"
pipeline:
  debounce_window: "five seconds"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "pipeline.debounce_window") {
		t.Errorf("error = %v, want mention of pipeline.debounce_window", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.JWTSecret = "secret"
		if err := parseDurations(cfg); err != nil {
			t.Fatalf("parseDurations: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"missing db", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
		{"api key without assistant", func(c *Config) { c.Assistant.APIKey = "sk" }, "assistant.assistant_id"},
		{"zero attempts", func(c *Config) { c.Assistant.PollAttempts = 0 }, "poll_attempts"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")

	got := expandEnvVars("x=${EXPAND_A} y=${EXPAND_UNSET_VAR_XYZ}")
	if got != "x=alpha y=" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "x=alpha y=")
	}
}
