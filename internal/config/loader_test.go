package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/llm"
)

func noEnv(string) string { return "" }

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		loader := NewLoader(filepath.Join(tmpDir, "nonexistent.json"))
		loader.getenv = noEnv

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "file", cfg.Store.Backend)
		assert.Empty(t, cfg.Providers)
	})

	t.Run("should load the config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		testConfig := `{
			"data_dir": "` + tmpDir + `",
			"providers": [
				{"name": "primary", "type": "anthropic", "api_key": "sk-ant-test"},
				{"type": "openai", "api_key": "sk-test", "timeout": "30s"}
			],
			"sandbox": {"provider": "docker", "idle_ttl": "5m", "docker": {"network": "none"}},
			"runtime": {"turn_budget": 4, "embedded_tag_calling": true},
			"store": {"backend": "sqlite"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

		loader := NewLoader(configPath)
		loader.getenv = noEnv
		cfg, err := loader.Load()
		require.NoError(t, err)

		require.Len(t, cfg.Providers, 2)
		assert.Equal(t, "primary", cfg.Providers[0].Name)
		assert.Equal(t, 30*time.Second, cfg.Providers[1].Timeout)
		assert.Equal(t, "docker", cfg.Sandbox.Name)
		assert.Equal(t, 5*time.Minute, cfg.Sandbox.IdleTTL)
		assert.Equal(t, "none", cfg.Sandbox.Docker.Network)
		assert.Equal(t, "python:3.12-slim", cfg.Sandbox.Docker.Image)
		assert.Equal(t, 4, cfg.Runtime.TurnBudget)
		assert.True(t, cfg.Runtime.EmbeddedTagCalling)
		assert.True(t, cfg.Runtime.StructuredCalling)
		assert.Equal(t, filepath.Join(tmpDir, "agentcore.db"), cfg.Store.DSN)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should load a yaml file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "agentcore.yaml")
		testConfig := "runtime:\n  workers: 8\nlogging:\n  level: debug\n"
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

		loader := NewLoader(configPath)
		loader.getenv = noEnv
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Runtime.Workers)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("AGENTCORE_RUNTIME_WORKERS", "16")
		t.Setenv("AGENTCORE_STORE_BACKEND", "postgres")

		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
		loader.getenv = noEnv
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Runtime.Workers)
		assert.Equal(t, "postgres", cfg.Store.Backend)
	})

	t.Run("should derive providers from SDK key variables", func(t *testing.T) {
		env := map[string]string{"OPENAI_API_KEY": "sk-env", "GEMINI_API_KEY": "AIzaEnv"}
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
		loader.getenv = func(k string) string { return env[k] }

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, []llm.ProviderConfig{
			{Name: "openai", Type: "openai", APIKey: "sk-env"},
			{Name: "gemini", Type: "gemini", APIKey: "AIzaEnv"},
		}, cfg.Providers)
	})

	t.Run("should set default paths under the data dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0o644))

		loader := NewLoader(configPath)
		loader.getenv = noEnv
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "threads"), cfg.Store.Dir)
		assert.Equal(t, filepath.Join(tmpDir, "models.yaml"), cfg.Models.File)
		assert.Equal(t, filepath.Join(tmpDir, "agentcore.log"), cfg.Logging.File)
	})

	t.Run("should fail on a malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"runtime":`), 0o644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("should round trip through the file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nested", "agentcore.json")

		cfg := DefaultConfig()
		cfg.DataDir = tmpDir
		cfg.Providers = []llm.ProviderConfig{{Name: "anthropic", Type: "anthropic", APIKey: "sk-ant-test"}}
		cfg.Runtime.TurnBudget = 7

		loader := NewLoader(configPath)
		loader.getenv = noEnv
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 7, loaded.Runtime.TurnBudget)
		assert.Equal(t, cfg.Providers[0].APIKey, loaded.Providers[0].APIKey)
		assert.Equal(t, cfg.Runtime.PerCallTimeout, loaded.Runtime.PerCallTimeout)
	})
}
