package sandbox

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ProviderConfig selects and configures a sandbox provider.
type ProviderConfig struct {
	// Name is one of "daytona" (default), "docker" or "local".
	Name      string        `json:"provider" mapstructure:"provider"`
	Daytona   DaytonaConfig `json:"daytona" mapstructure:"daytona"`
	Docker    DockerConfig  `json:"docker" mapstructure:"docker"`
	LocalRoot string        `json:"local_root" mapstructure:"local_root"`
}

// NewProvider constructs the provider named by cfg.
func NewProvider(cfg ProviderConfig, logger zerolog.Logger) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case "", "daytona":
		return NewDaytonaProvider(cfg.Daytona, logger)
	case "docker":
		return NewDockerProvider(cfg.Docker, logger), nil
	case "local":
		return NewLocalProvider(cfg.LocalRoot, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
}
