package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/parley/internal/conversation"
	"github.com/szaher/parley/internal/history"
	"github.com/szaher/parley/internal/llm"
	"github.com/szaher/parley/internal/runtime"
)

func newChatCmd() *cobra.Command {
	var (
		model         string
		sessionTokens int
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured persona in the terminal",
		Long: `Reads messages from stdin and prints replies. The history is kept by
this command, not the service, exactly as an HTTP caller would keep it.
Type /reset to clear the history and /quit to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, _, logger, err := setup(ctx, func(cfg *runtime.Config) {
				if cmd.Flags().Changed("model") {
					cfg.Model = model
				}
			})
			if err != nil {
				return err
			}
			orch, err := runtime.BuildOrchestrator(cfg, nil, logger)
			if err != nil {
				return err
			}
			tracker := llm.NewTokenTracker(sessionTokens)
			return chatLoop(ctx, orch, tracker, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model, optionally provider-prefixed")
	cmd.Flags().IntVar(&sessionTokens, "session-tokens", 0, "Stop after the session uses this many provider tokens (0 = unlimited)")
	return cmd
}

// chatLoop runs the REPL. tracker accumulates provider usage and ends the
// session once its budget would be exceeded.
func chatLoop(ctx context.Context, orch *conversation.Orchestrator, tracker *llm.TokenTracker, in io.Reader, out, errOut io.Writer) error {
	var (
		h         history.History
		estimator = llm.NewEstimator()
		scanner   = bufio.NewScanner(in)
	)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			h = nil
			fmt.Fprint(out, "history cleared\n> ")
			continue
		}

		if err := tracker.CheckBudget(estimator.CountMessage(line)); err != nil {
			fmt.Fprintf(errOut, "session ended: %v\n", err)
			return nil
		}

		res, err := orch.Converse(ctx, line, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(errOut, "error: %v\n> ", err)
			continue
		}
		h = res.History
		tracker.Add(res.Usage)

		fmt.Fprintf(out, "%s\n", res.Reply)
		if verbose {
			usage := tracker.Usage()
			fmt.Fprintf(errOut, "[sent %d turns, dropped %d, prompt ~%d tokens, session %d in / %d out]\n",
				len(res.Sent), res.Dropped, res.PromptTokens, usage.InputTokens, usage.OutputTokens)
			if rem := tracker.Remaining(); rem >= 0 {
				fmt.Fprintf(errOut, "[%d session tokens left]\n", rem)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
