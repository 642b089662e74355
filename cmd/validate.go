package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the gateway configuration",
	Long:  `Validate the configuration file without starting the service.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().Bool("strict-models", false, "fail when an external model id maps to multiple enabled providers")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	mgr := resolveConfig(cmd)
	if err := ensureConfigExists(mgr); err != nil {
		return err
	}

	cfg, err := mgr.Load()
	if err != nil {
		color.Red("Configuration is invalid: %v", err)
		return err
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]

		if err := p.Validate(); err != nil {
			color.Red("Provider %q is invalid: %v", p.Slug, err)
			return err
		}
	}

	// Map external ids to the enabled providers claiming them.
	claims := make(map[string][]string)

	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}

		for _, m := range p.Models {
			claims[m.External] = append(claims[m.External], p.Slug)
		}
	}

	conflicts := 0

	for external, slugs := range claims {
		if len(slugs) > 1 {
			conflicts++
			color.Yellow("Model %q is mapped by multiple enabled providers: %v", external, slugs)
		}
	}

	if strict, _ := cmd.Flags().GetBool("strict-models"); strict && conflicts > 0 {
		return fmt.Errorf("%d model mapping conflict(s)", conflicts)
	}

	color.Green("Configuration is valid: %d provider(s), %d model(s)", len(cfg.Providers), len(claims))

	return nil
}
