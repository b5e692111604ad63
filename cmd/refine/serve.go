package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/orchestrator"
	"github.com/refinelab/refine/internal/server"
	"github.com/refinelab/refine/internal/terminal"
)

var serveAddr string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the refinement loop as an HTTP server",
		Long: `Expose the refinement loop over HTTP.

Endpoints:
  POST /api/solve        - run to completion, respond with the full result
  POST /api/solve/stream - stream fragments and notices as server-sent events
  GET  /healthz          - probe both backends`,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	terminal.DisableColors()
	logger := terminal.NewLogger()

	resolved, err := resolveConfig(cmd, logger)
	if err != nil {
		return exitCode(domain.ExitError)
	}

	solver, reviewer := buildBackends(resolved)

	// Each request gets its own orchestrator so run state is never shared;
	// the server serializes runs itself.
	runner := server.RunnerFunc(func(ctx context.Context, problem string, rounds int, sink orchestrator.Sink) (*domain.RunResult, error) {
		orc, err := orchestrator.New(orchestratorConfig(), solver, reviewer, sink)
		if err != nil {
			return &domain.RunResult{Problem: problem, Status: domain.StatusError, Err: err.Error()}, err
		}
		if rounds == 0 {
			rounds = resolved.Rounds
		}
		return orc.Run(ctx, problem, rounds)
	})

	srv := server.New(serveAddr, runner, solver, reviewer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Log("Shutting down...", terminal.StyleWarning)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.Start(); err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return exitCode(domain.ExitError)
	}
	return nil
}
