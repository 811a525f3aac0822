// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, overrides, defaults and validation

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
  http_addr: "0.0.0.0:7860"
  grpc_addr: "0.0.0.0:50051"

auth:
  api_keys: ["key-one", "key-two"]

backchannel:
  token: "agent-secret"
  grace_period: "10s"

credentials:
  source: "dir"
  dir: "/var/lib/studio/auth"
  initial_index: 3

rotation:
  switch_on_uses: 40
  failure_threshold: 3
  immediate_switch_codes: [401, 429]

proxy:
  streaming_mode: "fake"
  header_timeout: "30s"
  body_timeout: "5m"
  keepalive_interval: "2s"
  max_retries: 2
  retry_delay: 1500
  force_thinking: true

session:
  command: "/usr/local/bin/agent"
  args: ["--headless"]
  connect_timeout: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:7860" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:7860")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if len(cfg.Auth.APIKeys) != 2 {
		t.Errorf("Auth.APIKeys len = %d, want 2", len(cfg.Auth.APIKeys))
	}
	if cfg.Backchannel.GracePeriod != 10*time.Second {
		t.Errorf("Backchannel.GracePeriod = %v, want %v", cfg.Backchannel.GracePeriod, 10*time.Second)
	}
	if cfg.Credentials.InitialIndex != 3 {
		t.Errorf("Credentials.InitialIndex = %d, want 3", cfg.Credentials.InitialIndex)
	}
	if cfg.Rotation.SwitchOnUses != 40 {
		t.Errorf("Rotation.SwitchOnUses = %d, want 40", cfg.Rotation.SwitchOnUses)
	}
	if !cfg.Rotation.IsImmediateSwitch(401) || cfg.Rotation.IsImmediateSwitch(503) {
		t.Errorf("Rotation.ImmediateSwitchCodes = %v, want [401 429]", cfg.Rotation.ImmediateSwitchCodes)
	}
	if cfg.Proxy.StreamingMode != StreamingModeFake {
		t.Errorf("Proxy.StreamingMode = %q, want %q", cfg.Proxy.StreamingMode, StreamingModeFake)
	}
	if cfg.Proxy.HeaderTimeout != 30*time.Second {
		t.Errorf("Proxy.HeaderTimeout = %v, want %v", cfg.Proxy.HeaderTimeout, 30*time.Second)
	}
	if cfg.Proxy.BodyTimeout != 5*time.Minute {
		t.Errorf("Proxy.BodyTimeout = %v, want %v", cfg.Proxy.BodyTimeout, 5*time.Minute)
	}
	if cfg.Proxy.RetryDelay != 1500*time.Millisecond {
		t.Errorf("Proxy.RetryDelay = %v, want %v", cfg.Proxy.RetryDelay, 1500*time.Millisecond)
	}
	if !cfg.Proxy.ForceThinking {
		t.Error("Proxy.ForceThinking = false, want true")
	}
	if cfg.Session.ConnectTimeout != 45*time.Second {
		t.Errorf("Session.ConnectTimeout = %v, want %v", cfg.Session.ConnectTimeout, 45*time.Second)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:7860"

[auth]
api_keys = ["toml-key"]

[credentials]
source = "sqlite"
sqlite_path = "/tmp/creds.db"

[rotation]
switch_on_uses = 5
immediate_switch_codes = [429]

[proxy]
header_timeout = "15s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7860" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Credentials.Source != SourceSQLite || cfg.Credentials.SQLitePath != "/tmp/creds.db" {
		t.Errorf("Credentials = %+v", cfg.Credentials)
	}
	if cfg.Rotation.SwitchOnUses != 5 {
		t.Errorf("Rotation.SwitchOnUses = %d, want 5", cfg.Rotation.SwitchOnUses)
	}
	if cfg.Proxy.HeaderTimeout != 15*time.Second {
		t.Errorf("Proxy.HeaderTimeout = %v, want 15s", cfg.Proxy.HeaderTimeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":7860"
auth:
  api_keys: ["k"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Credentials.Source != SourceDir {
		t.Errorf("Credentials.Source = %q, want %q", cfg.Credentials.Source, SourceDir)
	}
	if cfg.Credentials.Dir != filepath.Join("configs", "auth") {
		t.Errorf("Credentials.Dir = %q", cfg.Credentials.Dir)
	}
	if cfg.Backchannel.GracePeriod != 5*time.Second {
		t.Errorf("Backchannel.GracePeriod = %v, want 5s", cfg.Backchannel.GracePeriod)
	}
	if cfg.Proxy.StreamingMode != StreamingModeReal {
		t.Errorf("Proxy.StreamingMode = %q, want real", cfg.Proxy.StreamingMode)
	}
	if cfg.Proxy.BodyTimeout != 600*time.Second {
		t.Errorf("Proxy.BodyTimeout = %v, want 600s", cfg.Proxy.BodyTimeout)
	}
	if cfg.Proxy.KeepAliveInterval != 3*time.Second {
		t.Errorf("Proxy.KeepAliveInterval = %v, want 3s", cfg.Proxy.KeepAliveInterval)
	}
	if !cfg.Rotation.IsImmediateSwitch(429) {
		t.Error("429 should be an immediate switch code by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_TOKEN", "token-from-env")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":7860"
auth:
  api_keys: ["k"]
backchannel:
  token: "${TEST_AGENT_TOKEN}"
session:
  command: "${UNSET_VAR_FOR_TEST}"
`)
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backchannel.Token != "token-from-env" {
		t.Errorf("Backchannel.Token = %q, want %q", cfg.Backchannel.Token, "token-from-env")
	}
	if cfg.Session.Command != "" {
		t.Errorf("Session.Command = %q, want empty string for unset env var", cfg.Session.Command)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_KEYS", "alpha, beta ,,gamma")
	t.Setenv("SWITCH_ON_USES", "7")
	t.Setenv("FAILURE_THRESHOLD", "2")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "401,403,429")
	t.Setenv("STREAMING_MODE", "FAKE")
	t.Setenv("INITIAL_AUTH_INDEX", "4")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("RETRY_DELAY", "250")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":7860"
auth:
  api_keys: ["from-file"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if strings.Join(cfg.Auth.APIKeys, "|") != "alpha|beta|gamma" {
		t.Errorf("Auth.APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Rotation.SwitchOnUses != 7 || cfg.Rotation.FailureThreshold != 2 {
		t.Errorf("Rotation = %+v", cfg.Rotation)
	}
	if len(cfg.Rotation.ImmediateSwitchCodes) != 3 {
		t.Errorf("ImmediateSwitchCodes = %v", cfg.Rotation.ImmediateSwitchCodes)
	}
	if cfg.Proxy.StreamingMode != StreamingModeFake {
		t.Errorf("Proxy.StreamingMode = %q", cfg.Proxy.StreamingMode)
	}
	if cfg.Credentials.InitialIndex != 4 {
		t.Errorf("Credentials.InitialIndex = %d", cfg.Credentials.InitialIndex)
	}
	if cfg.Proxy.MaxRetries != 1 || cfg.Proxy.RetryDelay != 250*time.Millisecond {
		t.Errorf("Proxy retries = %d / %v", cfg.Proxy.MaxRetries, cfg.Proxy.RetryDelay)
	}
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("SWITCH_ON_USES", "many")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":7860"
auth:
  api_keys: ["k"]
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for non-numeric SWITCH_ON_USES")
	}
	if !strings.Contains(err.Error(), "SWITCH_ON_USES") {
		t.Errorf("error should mention the variable, got: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":7860"
auth:
  api_keys: ["k"]
proxy:
  header_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "header_timeout") {
		t.Errorf("error should mention header_timeout, got: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Server: ServerConfig{HTTPAddr: ":7860"},
			Auth:   AuthConfig{APIKeys: []string{"k"}},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "studio"
		}, ""},
		{"no api keys", func(c *Config) { c.Auth.APIKeys = nil }, "auth.api_keys"},
		{"anonymous allowed", func(c *Config) {
			c.Auth.APIKeys = nil
			c.Auth.AllowAnonymous = true
		}, ""},
		{"unknown source", func(c *Config) { c.Credentials.Source = "vault" }, "credentials.source"},
		{"sqlite without path", func(c *Config) { c.Credentials.Source = SourceSQLite }, "sqlite_path"},
		{"bad streaming mode", func(c *Config) { c.Proxy.StreamingMode = "maybe" }, "streaming_mode"},
		{"negative uses", func(c *Config) { c.Rotation.SwitchOnUses = -1 }, "switch_on_uses"},
		{"bad status code", func(c *Config) { c.Rotation.ImmediateSwitchCodes = []int{42} }, "immediate_switch_codes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
