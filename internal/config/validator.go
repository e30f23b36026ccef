package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator checks values that are well formed but likely wrong, such as
// an API key with the wrong prefix. Its findings are warnings; Config.Validate
// covers the hard requirements.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateTimeouts flags per-call timeouts that the chain attempt timeout
// would cut short.
func (v *Validator) ValidateTimeouts(perCall, attempt time.Duration) error {
	if attempt > 0 && perCall > 0 && attempt > perCall {
		return fmt.Errorf("models.attempt_timeout (%s) exceeds runtime.per_call_timeout (%s); later chain entries never run", attempt, perCall)
	}
	return nil
}

// ValidateConventions warns when runs would expose no tools by default.
func (v *Validator) ValidateConventions(structured, embedded bool) error {
	if !structured && !embedded {
		return fmt.Errorf("no tool calling convention enabled by default; runs get plain completions unless they opt in")
	}
	return nil
}

// ValidateConfig collects every warning for cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, p := range cfg.Providers {
		if p.Type == "" || p.BaseURL != "" {
			// Compatible endpoints use their own key formats.
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Type); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.Name, err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTimeouts(cfg.Runtime.PerCallTimeout, cfg.Models.AttemptTimeout); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateConventions(cfg.Runtime.StructuredCalling, cfg.Runtime.EmbeddedTagCalling); err != nil {
		errors = append(errors, err)
	}
	if cfg.Store.Backend == "file" && cfg.Store.DSN != "" {
		errors = append(errors, fmt.Errorf("store.dsn is ignored by the file backend"))
	}

	return errors
}
