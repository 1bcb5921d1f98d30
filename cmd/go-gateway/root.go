package main

import (
	"log/slog"
	"os"

	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configName string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "go-gateway",
		Short:         "Realtime gateway: websocket sessions, event fan-out and remote auth",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configName, "config", "config", "config file name (yaml, without extension) looked up in the working directory")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newHubCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the config with a bootstrap logger, then returns the logger
// the config asks for.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	boot := logging.New(logging.LevelInfo)
	cfg, err := config.Load(boot, o.configName)
	if err != nil {
		boot.Error("Failed to load configuration", slog.Any("error", err))
		return nil, nil, err
	}
	logger := logging.NewWithFormat(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
