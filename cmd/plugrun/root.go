package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veldra/plugin-host/config"
	"github.com/veldra/plugin-host/sandbox"
)

// Global flags available to all subcommands.
var (
	configFile string
	assetsDir  string
)

// NewRootCmd creates the root command for the plugrun CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugrun",
		Short: "plugrun - plugin sandbox host",
		Long: `plugrun loads plugin bundles into isolated WebAssembly sandboxes
and drives them from a simulation tick loop under resource governance.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&assetsDir, "assets", "", "directory served to read-asset capable plugins")

	cmd.AddCommand(NewInspectCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewWatchCmd())

	return cmd
}

// loadConfig merges defaults, the config file, and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

// setupLogging builds a production logger at the configured level and
// installs it for the sandbox packages.
func setupLogging(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	sandbox.SetLogger(logger)
	return logger, nil
}
