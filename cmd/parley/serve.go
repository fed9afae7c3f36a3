package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/parley/internal/runtime"
	"github.com/szaher/parley/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		model   string
		persona string
		budget  int
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP conversation service",
		Long: `Serves POST / and POST /v1/converse, plus GET /healthz and GET /metrics.
When --config is set the file is watched and conversation settings are
reloaded without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			flags := cmd.Flags()
			cfg, loader, logger, err := setup(ctx, func(cfg *runtime.Config) {
				if flags.Changed("listen") {
					cfg.Listen = listen
				}
				if flags.Changed("model") {
					cfg.Model = model
				}
				if flags.Changed("persona") {
					cfg.Persona = persona
				}
				if flags.Changed("budget") {
					cfg.Budget = budget
				}
			})
			if err != nil {
				return err
			}

			opts := runtime.Options{
				Logger:  logger,
				Metrics: telemetry.NewMetrics(),
				Version: version,
			}
			if !noWatch && loader.Path != "" {
				opts.Loader = loader
			}

			rt, err := runtime.New(cfg, opts)
			if err != nil {
				return err
			}
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default :8000)")
	cmd.Flags().StringVar(&model, "model", "", "Model, optionally provider-prefixed (e.g. groq/llama3-8b-8192)")
	cmd.Flags().StringVar(&persona, "persona", "", "System persona sent with every request")
	cmd.Flags().IntVar(&budget, "budget", 0, "History token budget")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable config hot reload")

	return cmd
}
