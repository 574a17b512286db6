package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Definitions: a.catalog,
				Runs:        a.executor,
				RunStates:   a.states,
				Logger:      logger,
			})
			defer srv.Close()

			if err := a.startScheduler(ctx); err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}
}
