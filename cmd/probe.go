package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

var probeCmd = &cobra.Command{
	Use:   "probe <provider-slug>",
	Short: "Run a one-shot health probe against a provider",
	Long:  `Send a minimal test request to one configured provider and report the outcome. Useful when onboarding a new provider before enabling it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func runProbe(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	mgr := resolveConfig(cmd)
	if err := ensureConfigExists(mgr); err != nil {
		return err
	}

	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	slug := args[0]

	reg := registry.New(secrets.NewResolver(), logger)
	reg.Apply(cfg)
	defer reg.Close()

	entry, ok := reg.Get(slug)
	if !ok {
		return fmt.Errorf("provider %q is not configured (or failed validation)", slug)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Health.ProbeTimeout())
	defer cancel()

	color.Blue("Probing %s (%s)...", slug, entry.Provider.Type)

	start := time.Now()
	probeErr := entry.Adapter.HealthCheck(ctx)
	latency := time.Since(start)

	if probeErr != nil {
		color.Red("Probe failed after %s: %v", latency.Round(time.Millisecond), probeErr)
		return probeErr
	}

	color.Green("Probe succeeded in %s", latency.Round(time.Millisecond))

	return nil
}
