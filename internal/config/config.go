// Package config loads config.yaml from the runtime home.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/aixterm/internal/llm"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/otel"
	"github.com/basket/aixterm/internal/paths"
)

// ToolServerConfig is one entry under tool_servers.
type ToolServerConfig struct {
	Name           string            `yaml:"name"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Dir            string            `yaml:"dir,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout,omitempty"`
	AutoStart      *bool             `yaml:"auto_start,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the server should be registered. Default true.
func (t ToolServerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ServerConfig converts the entry to the session launch configuration.
func (t ToolServerConfig) ServerConfig() mcp.ServerConfig {
	autoStart := t.AutoStart == nil || *t.AutoStart
	command := append([]string{t.Command}, t.Args...)
	return mcp.ServerConfig{
		Name:           t.Name,
		Command:        command,
		Env:            t.Env,
		Dir:            t.Dir,
		StartupTimeout: t.StartupTimeout,
		AutoStart:      autoStart,
	}
}

type RestartConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	HealthSchedule string        `yaml:"health_schedule"`
}

type PluginsConfig struct {
	Enabled []string `yaml:"enabled"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the service and client configuration.
type Config struct {
	Paths paths.RuntimePaths `yaml:"-"`

	LogLevel         string        `yaml:"log_level"`
	IdleLimit        time.Duration `yaml:"idle_limit"`
	StartupGrace     time.Duration `yaml:"startup_grace"`
	IdleTick         time.Duration `yaml:"idle_tick"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	ToolCallTimeout  time.Duration `yaml:"tool_call_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ContextTokens    int           `yaml:"context_tokens"`

	LLM         llm.Config         `yaml:"llm"`
	Restart     RestartConfig      `yaml:"restart"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Plugins     PluginsConfig      `yaml:"plugins"`
	Telemetry   otel.Config        `yaml:"telemetry"`
	Audit       AuditConfig        `yaml:"audit"`
}

const defaultSystemPrompt = "You are a terminal-based AI assistant. Respond with short, concise answers. " +
	"Use available tools when they are appropriate to the user's request."

// Default returns the configuration used when config.yaml is absent.
func Default() Config {
	return Config{
		LogLevel:         "info",
		IdleLimit:        5 * time.Minute,
		StartupGrace:     30 * time.Second,
		IdleTick:         time.Second,
		ShutdownGrace:    5 * time.Second,
		ConnectTimeout:   500 * time.Millisecond,
		StartTimeout:     10 * time.Second,
		ToolCallTimeout:  5 * time.Minute,
		HandshakeTimeout: 10 * time.Second,
		ContextTokens:    2000,
		LLM: llm.Config{
			Provider:     llm.ProviderOpenAICompatible,
			BaseURL:      "http://localhost:8080/v1",
			Model:        "local-model",
			SystemPrompt: defaultSystemPrompt,
			Timeout:      2 * time.Minute,
		},
		Restart: RestartConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			HealthSchedule: "@every 30s",
		},
		Plugins: PluginsConfig{Enabled: []string{"hello"}},
		Audit:   AuditConfig{Enabled: true},
	}
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result. A missing file is not an error.
func Load(p paths.RuntimePaths) (Config, error) {
	cfg := Default()
	cfg.Paths = p

	data, err := os.ReadFile(p.ConfigPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ServerConfigs returns the enabled tool servers in file order.
func (c Config) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if ts.IsEnabled() {
			out = append(out, ts.ServerConfig())
		}
	}
	return out
}

// RestartPolicy converts the restart section for the registry.
func (c Config) RestartPolicy() mcp.RestartPolicy {
	return mcp.RestartPolicy{
		MaxAttempts:    c.Restart.MaxAttempts,
		InitialBackoff: c.Restart.InitialBackoff,
		MaxBackoff:     c.Restart.MaxBackoff,
		HealthSchedule: c.Restart.HealthSchedule,
	}
}

// ToolServersFingerprint identifies the tool server set so that a reload
// with no effective change can be skipped.
func (c Config) ToolServersFingerprint() string {
	h := fnv.New64a()
	data, _ := yaml.Marshal(c.ToolServers)
	h.Write(data)
	return fmt.Sprintf("ts-%x", h.Sum64())
}

func normalize(cfg *Config) {
	def := Default()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.IdleLimit <= 0 {
		cfg.IdleLimit = def.IdleLimit
	}
	if cfg.StartupGrace < 0 {
		cfg.StartupGrace = 0
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = def.IdleTick
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = def.ToolCallTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = def.ContextTokens
	}
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = def.LLM.Timeout
	}
	if cfg.Restart.MaxAttempts < 0 {
		cfg.Restart.MaxAttempts = 0
	}
	if cfg.Restart.InitialBackoff <= 0 {
		cfg.Restart.InitialBackoff = def.Restart.InitialBackoff
	}
	if cfg.Restart.MaxBackoff < cfg.Restart.InitialBackoff {
		cfg.Restart.MaxBackoff = cfg.Restart.InitialBackoff
	}
	for i := range cfg.ToolServers {
		cfg.ToolServers[i].Name = strings.TrimSpace(cfg.ToolServers[i].Name)
		cfg.ToolServers[i].Command = strings.TrimSpace(cfg.ToolServers[i].Command)
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = otel.ExporterFile
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.ToolServers))
	for i, ts := range cfg.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool_servers[%d]: name is required", i)
		}
		if ts.Command == "" {
			return fmt.Errorf("tool_servers[%d] (%s): command is required", i, ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("tool_servers[%d]: duplicate name %q", i, ts.Name)
		}
		seen[ts.Name] = true
	}
	switch cfg.LLM.Provider {
	case llm.ProviderOpenAI, llm.ProviderOpenAICompatible:
	default:
		return fmt.Errorf("llm.provider %q: want %s or %s", cfg.LLM.Provider, llm.ProviderOpenAI, llm.ProviderOpenAICompatible)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AIXTERM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if d, ok := envDuration("AIXTERM_IDLE_LIMIT", "AIXTERM_TEST_IDLE_LIMIT"); ok {
		cfg.IdleLimit = d
	}
	if d, ok := envDuration("AIXTERM_IDLE_GRACE", "AIXTERM_TEST_IDLE_GRACE"); ok {
		cfg.StartupGrace = d
	}
	if d, ok := envDuration("AIXTERM_IDLE_TICK"); ok {
		cfg.IdleTick = d
	}
	if raw := firstEnv("AIXTERM_BASE_URL", "AIXTERM_API_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("AIXTERM_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("AIXTERM_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("AIXTERM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			return raw
		}
	}
	return ""
}

// envDuration reads the first set variable as a Go duration or as seconds.
func envDuration(keys ...string) (time.Duration, bool) {
	for _, key := range keys {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d, true
		}
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	return 0, false
}
