package cmd

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/process"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/server"
	"github.com/modelrelay/modelrelay/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway service",
	Long:  `Start the AI gateway service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
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

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting gateway",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	st, err := store.Open(cfg.StorePath, cfg.Health.HistorySize)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()

	reg := registry.New(secrets.NewResolver(), logger)
	reg.Apply(cfg)
	defer reg.Close()

	mon := health.NewMonitor(reg, st, m, logger, cfg.Health)
	dispatcher := dispatch.New(reg, mon, m, logger, cfg.RequestTimeout())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		if err := mon.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Health monitor stopped", "error", err)
		}
	}()

	// Live reload: a changed config file rebuilds the registry and the
	// monitor's tracked set without a restart.
	watcher := config.NewWatcher(mgr, logger, func(fresh *config.Config) {
		reg.Apply(fresh)
		mon.Sync()
	})

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()

	srv := server.New(mgr, reg, dispatcher, mon, m, logger)

	return srv.Start()
}
