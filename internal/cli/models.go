package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/pkg/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and reload logical model definitions",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logical models and their fallback chains",
	RunE:  runModelsList,
}

var modelsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Make a running daemon reload its model config",
	RunE:  runModelsRefresh,
}

func init() {
	modelsCmd.AddCommand(modelsListCmd, modelsRefreshCmd)
	rootCmd.AddCommand(modelsCmd)
}

// modelRegistry reads the model config file on top of the built-in catalog.
func modelRegistry(cfg *config.Config) (*llm.ModelRegistry, func(), error) {
	regCfg := llm.RegistryConfig{TTL: cfg.Models.CacheTTL, Logger: zerolog.Nop()}
	closeFn := func() {}
	if cfg.Models.File != "" {
		store, err := llm.NewFileConfigStore(llm.FileConfigStoreConfig{Path: cfg.Models.File, Logger: zerolog.Nop()})
		if err != nil {
			return nil, nil, err
		}
		regCfg.Store = store
		closeFn = func() { _ = store.Close() }
	}
	return llm.NewModelRegistry(regCfg), closeFn, nil
}

func runModelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, closeFn, err := modelRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	specs, err := registry.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tENABLED\tCHAIN")
	for _, spec := range specs {
		chain := make([]string, 0, len(spec.Chain))
		for _, e := range spec.Chain {
			chain = append(chain, e.String())
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", spec.ID, spec.Enabled, strings.Join(chain, " -> "))
	}
	return w.Flush()
}

func runModelsRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL(cfg, "/v1/models/refresh"), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Server.Addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh failed: %s", resp.Status)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Model config reloaded")
	return nil
}

func serverURL(cfg *config.Config, path string) string {
	return "http://" + cfg.Server.Addr + path
}
