// ABOUTME: Configuration loading and parsing for studio-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Streaming modes understood by the execution agent.
const (
	StreamingModeReal = "real"
	StreamingModeFake = "fake"
)

// Credential source kinds.
const (
	SourceDir    = "dir"
	SourceEnv    = "env"
	SourceSQLite = "sqlite"
)

// Config represents the complete studio-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Backchannel BackchannelConfig `yaml:"backchannel" toml:"backchannel"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Rotation    RotationConfig    `yaml:"rotation" toml:"rotation"`
	Proxy       ProxyConfig       `yaml:"proxy" toml:"proxy"`
	Session     SessionConfig     `yaml:"session" toml:"session"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when empty the gRPC backchannel listener is disabled.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds the shared-secret keys accepted from API clients
type AuthConfig struct {
	APIKeys        []string `yaml:"api_keys" toml:"api_keys"`
	AllowAnonymous bool     `yaml:"allow_anonymous" toml:"allow_anonymous"`
}

// BackchannelConfig holds settings for the execution agent connection
type BackchannelConfig struct {
	// Token is required from the agent on connect when non-empty.
	Token string `yaml:"token" toml:"token"`

	GracePeriod    time.Duration `yaml:"-" toml:"-"`
	GracePeriodRaw string        `yaml:"grace_period" toml:"grace_period"`
}

// CredentialsConfig selects where credential profiles are discovered
type CredentialsConfig struct {
	Source       string `yaml:"source" toml:"source"`
	Dir          string `yaml:"dir" toml:"dir"`
	SQLitePath   string `yaml:"sqlite_path" toml:"sqlite_path"`
	InitialIndex int    `yaml:"initial_index" toml:"initial_index"`
}

// RotationConfig holds the credential rotation policy
type RotationConfig struct {
	SwitchOnUses         int   `yaml:"switch_on_uses" toml:"switch_on_uses"`
	FailureThreshold     int   `yaml:"failure_threshold" toml:"failure_threshold"`
	ImmediateSwitchCodes []int `yaml:"immediate_switch_codes" toml:"immediate_switch_codes"`
}

// ProxyConfig holds request dispatch settings
type ProxyConfig struct {
	StreamingMode    string `yaml:"streaming_mode" toml:"streaming_mode"`
	MaxRetries       int    `yaml:"max_retries" toml:"max_retries"`
	ForceThinking    bool   `yaml:"force_thinking" toml:"force_thinking"`
	ForceWebSearch   bool   `yaml:"force_web_search" toml:"force_web_search"`
	ForceURLContext  bool   `yaml:"force_url_context" toml:"force_url_context"`
	ResumeOnProhibit bool   `yaml:"resume_on_prohibit" toml:"resume_on_prohibit"`
	ResumeLimit      int    `yaml:"resume_limit" toml:"resume_limit"`

	HeaderTimeout     time.Duration `yaml:"-" toml:"-"`
	BodyTimeout       time.Duration `yaml:"-" toml:"-"`
	KeepAliveInterval time.Duration `yaml:"-" toml:"-"`
	RetryDelay        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeaderTimeoutRaw     string `yaml:"header_timeout" toml:"header_timeout"`
	BodyTimeoutRaw       string `yaml:"body_timeout" toml:"body_timeout"`
	KeepAliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	RetryDelayRaw        string `yaml:"retry_delay" toml:"retry_delay"`
}

// SessionConfig describes how the execution agent session is (re)established
type SessionConfig struct {
	// Command is launched per credential; empty means the agent is managed externally.
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known override variables (API_KEYS, SWITCH_ON_USES, ...) are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides applies the flat environment variables operators commonly
// use to tune rotation without editing the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.Auth.APIKeys = splitList(v)
	}
	if v := os.Getenv("STREAMING_MODE"); v != "" {
		cfg.Proxy.StreamingMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		cfg.Proxy.RetryDelayRaw = v
	}
	if v := os.Getenv("IMMEDIATE_SWITCH_STATUS_CODES"); v != "" {
		codes, err := parseIntList(v)
		if err != nil {
			return fmt.Errorf("IMMEDIATE_SWITCH_STATUS_CODES: %w", err)
		}
		cfg.Rotation.ImmediateSwitchCodes = codes
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"SWITCH_ON_USES", &cfg.Rotation.SwitchOnUses},
		{"FAILURE_THRESHOLD", &cfg.Rotation.FailureThreshold},
		{"MAX_RETRIES", &cfg.Proxy.MaxRetries},
		{"INITIAL_AUTH_INDEX", &cfg.Credentials.InitialIndex},
	}
	for _, o := range ints {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s %q: %w", o.name, v, err)
		}
		*o.dst = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Credentials.Source == "" {
		c.Credentials.Source = SourceDir
	}
	if c.Credentials.Source == SourceDir && c.Credentials.Dir == "" {
		c.Credentials.Dir = filepath.Join("configs", "auth")
	}
	if c.Backchannel.GracePeriod == 0 {
		c.Backchannel.GracePeriod = 5 * time.Second
	}
	if c.Proxy.StreamingMode == "" {
		c.Proxy.StreamingMode = StreamingModeReal
	}
	if c.Proxy.HeaderTimeout == 0 {
		c.Proxy.HeaderTimeout = 60 * time.Second
	}
	if c.Proxy.BodyTimeout == 0 {
		c.Proxy.BodyTimeout = 600 * time.Second
	}
	if c.Proxy.KeepAliveInterval == 0 {
		c.Proxy.KeepAliveInterval = 3 * time.Second
	}
	if c.Proxy.RetryDelay == 0 {
		c.Proxy.RetryDelay = 2 * time.Second
	}
	if c.Proxy.ResumeLimit == 0 {
		c.Proxy.ResumeLimit = 3
	}
	if c.Rotation.ImmediateSwitchCodes == nil {
		c.Rotation.ImmediateSwitchCodes = []int{429, 503}
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
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

	if len(c.Auth.APIKeys) == 0 && !c.Auth.AllowAnonymous {
		return fmt.Errorf("auth.api_keys is required (or set auth.allow_anonymous)")
	}

	switch c.Credentials.Source {
	case SourceDir:
		if c.Credentials.Dir == "" {
			return fmt.Errorf("credentials.dir is required for the dir source")
		}
	case SourceEnv:
	case SourceSQLite:
		if c.Credentials.SQLitePath == "" {
			return fmt.Errorf("credentials.sqlite_path is required for the sqlite source")
		}
	default:
		return fmt.Errorf("credentials.source %q is not one of dir, env, sqlite", c.Credentials.Source)
	}

	if c.Credentials.InitialIndex < 0 {
		return fmt.Errorf("credentials.initial_index must not be negative")
	}

	if c.Proxy.StreamingMode != StreamingModeReal && c.Proxy.StreamingMode != StreamingModeFake {
		return fmt.Errorf("proxy.streaming_mode %q is not one of real, fake", c.Proxy.StreamingMode)
	}

	if c.Rotation.SwitchOnUses < 0 {
		return fmt.Errorf("rotation.switch_on_uses must not be negative")
	}
	if c.Rotation.FailureThreshold < 0 {
		return fmt.Errorf("rotation.failure_threshold must not be negative")
	}
	if c.Proxy.MaxRetries < 0 {
		return fmt.Errorf("proxy.max_retries must not be negative")
	}

	for _, code := range c.Rotation.ImmediateSwitchCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("rotation.immediate_switch_codes contains invalid status %d", code)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backchannel.grace_period", cfg.Backchannel.GracePeriodRaw, &cfg.Backchannel.GracePeriod},
		{"proxy.header_timeout", cfg.Proxy.HeaderTimeoutRaw, &cfg.Proxy.HeaderTimeout},
		{"proxy.body_timeout", cfg.Proxy.BodyTimeoutRaw, &cfg.Proxy.BodyTimeout},
		{"proxy.keepalive_interval", cfg.Proxy.KeepAliveIntervalRaw, &cfg.Proxy.KeepAliveInterval},
		{"proxy.retry_delay", cfg.Proxy.RetryDelayRaw, &cfg.Proxy.RetryDelay},
		{"session.connect_timeout", cfg.Session.ConnectTimeoutRaw, &cfg.Session.ConnectTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := parseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// parseDuration accepts Go duration syntax or a bare integer number of milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

// IsImmediateSwitch reports whether an upstream status should trigger an immediate rotation.
func (r RotationConfig) IsImmediateSwitch(status int) bool {
	for _, code := range r.ImmediateSwitchCodes {
		if code == status {
			return true
		}
	}
	return false
}
