package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway service status",
	Long:  `Display the current status of the AI gateway service.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)

	mgr := resolveConfig(cmd)
	cfg, _ := mgr.Load()

	running := procMgr.IsRunning()
	pid := procMgr.ReadPID()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)
	fmt.Printf("  %-15s: %d\n", "PID", pid)

	if cfg != nil {
		enabled := 0

		for _, p := range cfg.Providers {
			if p.Enabled {
				enabled++
			}
		}

		fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
		fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
		fmt.Printf("  %-15s: %s\n", "Endpoint", fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port))
		fmt.Printf("  %-15s: %d (%d enabled)\n", "Providers", len(cfg.Providers), enabled)
	}

	fmt.Printf("  %-15s: %s\n", "Config Path", mgr.GetPath())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}
