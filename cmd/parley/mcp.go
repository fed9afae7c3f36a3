package main

import (
	"context"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/szaher/parley/internal/mcp"
	"github.com/szaher/parley/internal/runtime"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the converse tool over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, _, logger, err := setup(ctx, nil)
			if err != nil {
				return err
			}
			orch, err := runtime.BuildOrchestrator(cfg, nil, logger)
			if err != nil {
				return err
			}

			logger.Info("serving MCP on stdio", "model", cfg.Model)
			srv := mcp.NewServer(orch, version,
				mcp.WithLogger(logger),
				mcp.WithTimeout(cfg.InferenceTimeout),
			)
			return srv.Run(ctx, &mcpsdk.StdioTransport{})
		},
	}
}
