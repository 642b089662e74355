package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/config"
)

const (
	AppName = "modelrelay"
	Version = "0.3.0"
)

var (
	logger  *slog.Logger
	homeDir string
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger = slog.New(handler)

	var err error
	homeDir, err = os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     "modelrelay",
	Short:   "ModelRelay - multi-provider AI gateway",
	Long:    `A gateway that exposes heterogeneous AI providers (CLIs, HTTP APIs, proxies and local runtimes) behind a single OpenAI-compatible endpoint.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to configuration file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(probeCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
}

// resolveConfig honors an explicit --config path over the default
// location under the base directory.
func resolveConfig(cmd *cobra.Command) *config.Manager {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.NewManagerForFile(path)
	}

	return cfgMgr
}

func ensureConfigExists(mgr *config.Manager) error {
	if !mgr.Exists() {
		color.Yellow("Configuration not found at %s", mgr.GetPath())
		return os.ErrNotExist
	}

	return nil
}
