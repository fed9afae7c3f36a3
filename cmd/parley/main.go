// Package main is the entry point for the parley conversation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/szaher/parley/internal/runtime"
	"github.com/szaher/parley/internal/secrets"
	"github.com/szaher/parley/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

const defaultEnvFile = ".env"

// Global flags.
var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Stateless conversation service backed by a hosted LLM",
		Long: `Parley answers chat messages through an LLM provider. Callers send
the conversation history with every request; parley trims it to a
token budget, prepends the configured persona and returns the reply
together with the extended history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "Dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, text)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging and usage output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadEnvFile applies the dotenv file. Variables already set in the
// environment win. A missing default file is not an error.
func loadEnvFile() error {
	if envFile == "" {
		return nil
	}
	err := godotenv.Load(envFile)
	if err != nil && errors.Is(err, fs.ErrNotExist) && envFile == defaultEnvFile {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}
	return nil
}

// setup loads the configuration and builds the process logger. Secrets
// resolved now and on later reloads are redacted from log output.
func setup(ctx context.Context, override func(*runtime.Config)) (*runtime.Config, *runtime.Loader, *slog.Logger, error) {
	loader := &runtime.Loader{
		Path: configPath,
		Override: func(cfg *runtime.Config) {
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if override != nil {
				override(cfg)
			}
		},
	}

	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	redact := secrets.NewRedactFilter(telemetry.NewHandler(os.Stderr, level, cfg.LogFormat))
	redact.AddSecret(cfg.APIKey)
	redact.AddSecret(cfg.Provider.APIKey)
	loader.Resolver = secrets.NewEnvResolver(redact)

	logger := slog.New(redact)
	slog.SetDefault(logger)
	return cfg, loader, logger, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
