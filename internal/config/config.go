package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/sandbox"
)

// Config represents the main agentcore configuration
type Config struct {
	// Data directory for threads, run records and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Providers are the LLM backends chain entries address by name
	Providers []llm.ProviderConfig `json:"providers" mapstructure:"providers"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Sandbox
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Runtime holds turn loop and queue settings
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// Store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Server is the ops HTTP listener
	Server ServerConfig `json:"server" mapstructure:"server"`
}

// ModelsConfig holds model registry configuration
type ModelsConfig struct {
	// File is the YAML model config store. Empty serves the built-in catalog only.
	File     string        `json:"file" mapstructure:"file"`
	Watch    bool          `json:"watch" mapstructure:"watch"`
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	Default  string        `json:"default" mapstructure:"default"`
	// AttemptTimeout bounds each fallback chain entry
	AttemptTimeout time.Duration `json:"attempt_timeout" mapstructure:"attempt_timeout"`
}

// SandboxConfig selects the sandbox provider and session lifecycle
type SandboxConfig struct {
	sandbox.ProviderConfig `mapstructure:",squash"`

	IdleTTL        time.Duration     `json:"idle_ttl" mapstructure:"idle_ttl"`
	ReapInterval   time.Duration     `json:"reap_interval" mapstructure:"reap_interval"`
	ReconnectAfter time.Duration     `json:"reconnect_after" mapstructure:"reconnect_after"`
	OpTimeout      time.Duration     `json:"op_timeout" mapstructure:"op_timeout"`
	AutoStop       time.Duration     `json:"auto_stop" mapstructure:"auto_stop"`
	Env            map[string]string `json:"env" mapstructure:"env"`
}

// RuntimeConfig holds the defaults applied to runs
type RuntimeConfig struct {
	Workers            int           `json:"workers" mapstructure:"workers"`
	TurnBudget         int           `json:"turn_budget" mapstructure:"turn_budget"`
	PerCallTimeout     time.Duration `json:"per_call_timeout" mapstructure:"per_call_timeout"`
	StructuredCalling  bool          `json:"structured_calling" mapstructure:"structured_calling"`
	EmbeddedTagCalling bool          `json:"embedded_tag_calling" mapstructure:"embedded_tag_calling"`
	SystemPrompt       string        `json:"system_prompt" mapstructure:"system_prompt"`
	DedupTTL           time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	MaxOutputBytes     int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// StoreConfig selects the conversation store backend
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // file, sqlite, postgres
	Dir     string `json:"dir" mapstructure:"dir"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
	// RunRetention is how long finished run records are kept. Zero keeps them.
	RunRetention    time.Duration `json:"run_retention" mapstructure:"run_retention"`
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// ServerConfig holds the ops server configuration
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Tracing         bool          `json:"tracing" mapstructure:"tracing"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Watch:          true,
			CacheTTL:       llm.DefaultModelTTL,
			Default:        "claude-sonnet-4",
			AttemptTimeout: 90 * time.Second,
		},
		Sandbox: SandboxConfig{
			ProviderConfig: sandbox.ProviderConfig{
				Name:   "daytona",
				Docker: sandbox.DefaultDockerConfig(),
			},
			IdleTTL:        15 * time.Minute,
			ReapInterval:   time.Minute,
			ReconnectAfter: 5 * time.Minute,
			OpTimeout:      2 * time.Minute,
		},
		Runtime: RuntimeConfig{
			Workers:           4,
			TurnBudget:        10,
			PerCallTimeout:    2 * time.Minute,
			StructuredCalling: true,
			DedupTTL:          10 * time.Minute,
		},
		Store: StoreConfig{
			Backend:         "file",
			RunRetention:    30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8089",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make([]llm.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[i] = p
	}
	if masked.Sandbox.Daytona.APIKey != "" {
		masked.Sandbox.Daytona.APIKey = "***"
	}
	if masked.Sandbox.Daytona.JWTToken != "" {
		masked.Sandbox.Daytona.JWTToken = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

var (
	validProviders = []string{"anthropic", "openai", "gemini"}
	validSandboxes = []string{"daytona", "docker", "local"}
	validBackends  = []string{"file", "sqlite", "postgres"}
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if len(c.Providers) == 0 {
		result = multierror.Append(result, fmt.Errorf("no LLM providers configured: at least one provider is required"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		name := p.Name
		if name == "" {
			name = p.Type
		}
		if !oneOf(p.Type, validProviders) {
			result = multierror.Append(result, fmt.Errorf("provider %d: invalid type %q (must be: %s)", i, p.Type, strings.Join(validProviders, ", ")))
		}
		if p.APIKey == "" {
			result = multierror.Append(result, fmt.Errorf("provider %s: api_key is required", name))
		}
		if seen[name] {
			result = multierror.Append(result, fmt.Errorf("provider %s: duplicate name", name))
		}
		seen[name] = true
	}

	if !oneOf(strings.ToLower(c.Sandbox.Name), validSandboxes) {
		result = multierror.Append(result, fmt.Errorf("invalid sandbox provider %q (must be: %s)", c.Sandbox.Name, strings.Join(validSandboxes, ", ")))
	}

	if c.Runtime.Workers <= 0 {
		result = multierror.Append(result, fmt.Errorf("runtime.workers must be positive"))
	}
	if c.Runtime.TurnBudget <= 0 {
		result = multierror.Append(result, fmt.Errorf("runtime.turn_budget must be positive"))
	}
	if c.Runtime.PerCallTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("runtime.per_call_timeout must be positive"))
	}

	if !oneOf(c.Store.Backend, validBackends) {
		result = multierror.Append(result, fmt.Errorf("invalid store backend %q (must be: %s)", c.Store.Backend, strings.Join(validBackends, ", ")))
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		result = multierror.Append(result, fmt.Errorf("store.dsn is required for the postgres backend"))
	}

	if c.Server.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("server.addr is required"))
	}

	return result.ErrorOrNil()
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
