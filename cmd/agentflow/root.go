package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentflow",
		Short:         "Run multi-step LLM workflows",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.agentflow/settings.json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads configuration and builds the process logger.
func (o *rootOptions) load() (Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, logging.New(nil, cfg.LogLevel, cfg.LogFormat), nil
}
