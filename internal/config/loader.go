package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harun/agentcore/pkg/llm"
)

// EnvPrefix prefixes every environment override, e.g. AGENTCORE_RUNTIME_WORKERS.
const EnvPrefix = "AGENTCORE"

// providerEnv maps provider types to the conventional SDK key variables.
// They are consulted only when no provider is configured.
var providerEnv = []struct {
	typ string
	env string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	getenv     func(string) string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		getenv:     os.Getenv,
	}
}

// Load reads the config file, when present, and applies environment
// overrides on top of the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = l.providersFromEnv()
	}
	if err := l.resolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) providersFromEnv() []llm.ProviderConfig {
	var out []llm.ProviderConfig
	for _, p := range providerEnv {
		if key := l.getenv(p.env); key != "" {
			out = append(out, llm.ProviderConfig{Name: p.typ, Type: p.typ, APIKey: key})
		}
	}
	return out
}

func (l *Loader) resolvePaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".agentcore")
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join(cfg.DataDir, "threads")
	}
	if cfg.Store.Backend == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "agentcore.db")
	}
	if cfg.Models.File == "" {
		cfg.Models.File = filepath.Join(cfg.DataDir, "models.yaml")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentcore.log")
	}
	if cfg.Sandbox.LocalRoot == "" {
		cfg.Sandbox.LocalRoot = filepath.Join(cfg.DataDir, "sandboxes")
	}
	return nil
}

// setDefaults registers every scalar key so environment overrides reach
// Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"data_dir": d.DataDir,

		"models.file":            d.Models.File,
		"models.watch":           d.Models.Watch,
		"models.cache_ttl":       d.Models.CacheTTL,
		"models.default":         d.Models.Default,
		"models.attempt_timeout": d.Models.AttemptTimeout,

		"sandbox.provider":        d.Sandbox.Name,
		"sandbox.local_root":      d.Sandbox.LocalRoot,
		"sandbox.daytona.api_key": d.Sandbox.Daytona.APIKey,
		"sandbox.daytona.api_url": d.Sandbox.Daytona.APIURL,
		"sandbox.daytona.target":  d.Sandbox.Daytona.Target,
		"sandbox.docker.image":    d.Sandbox.Docker.Image,
		"sandbox.idle_ttl":        d.Sandbox.IdleTTL,
		"sandbox.reap_interval":   d.Sandbox.ReapInterval,
		"sandbox.reconnect_after": d.Sandbox.ReconnectAfter,
		"sandbox.op_timeout":      d.Sandbox.OpTimeout,
		"sandbox.auto_stop":       d.Sandbox.AutoStop,

		"runtime.workers":              d.Runtime.Workers,
		"runtime.turn_budget":          d.Runtime.TurnBudget,
		"runtime.per_call_timeout":     d.Runtime.PerCallTimeout,
		"runtime.structured_calling":   d.Runtime.StructuredCalling,
		"runtime.embedded_tag_calling": d.Runtime.EmbeddedTagCalling,
		"runtime.system_prompt":        d.Runtime.SystemPrompt,
		"runtime.dedup_ttl":            d.Runtime.DedupTTL,
		"runtime.max_output_bytes":     d.Runtime.MaxOutputBytes,

		"store.backend":          d.Store.Backend,
		"store.dir":              d.Store.Dir,
		"store.dsn":              d.Store.DSN,
		"store.run_retention":    d.Store.RunRetention,
		"store.cleanup_interval": d.Store.CleanupInterval,

		"logging.level":      d.Logging.Level,
		"logging.file":       d.Logging.File,
		"logging.pretty":     d.Logging.Pretty,
		"logging.max_size":   d.Logging.MaxSize,
		"logging.max_age":    d.Logging.MaxAge,
		"logging.compress":   d.Logging.Compress,
		"logging.redaction":  d.Logging.Redaction,
		"logging.audit_file": d.Logging.AuditFile,

		"server.addr":             d.Server.Addr,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,
		"server.tracing":          d.Server.Tracing,
	}
	for k, val := range defaults {
		if dur, ok := val.(time.Duration); ok {
			val = dur.String()
		}
		v.SetDefault(k, val)
	}
}

// Save writes cfg to the loader's path, creating the directory.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.Set("data_dir", cfg.DataDir)
	v.Set("providers", cfg.Providers)
	v.Set("models", cfg.Models)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("runtime", cfg.Runtime)
	v.Set("store", cfg.Store)
	v.Set("logging", cfg.Logging)
	v.Set("server", cfg.Server)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, err := l.path()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentcore", "agentcore.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
