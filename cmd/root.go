// Package cmd holds the gateway command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BevzyukIvan/JSocialFlux/config"
	"github.com/BevzyukIvan/JSocialFlux/logger"
)

type rootOptions struct {
	configPath string
}

// load reads the configuration and applies its log level.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return config.Config{}, fmt.Errorf("log_level: %w", err)
	}
	return cfg, nil
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Realtime messaging gateway",
		Long:          "Websocket gateway that fans out chat events from a shared pub/sub bus to subscribed clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		newServeCommand(opts),
		newTokenCommand(opts),
		newPublishCommand(opts),
		newOnlineCommand(opts),
	)
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}
