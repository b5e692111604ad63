// Package main provides the CLI entry point for refine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/refinelab/refine/internal/backend"
	"github.com/refinelab/refine/internal/config"
	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/orchestrator"
	"github.com/refinelab/refine/internal/stream"
	"github.com/refinelab/refine/internal/terminal"
)

var (
	rounds         int
	timeout        time.Duration
	solverURL      string
	solverModel    string
	solverFormat   string
	reviewerURL    string
	reviewerModel  string
	reviewerFormat string
	noConfig       bool
	noColor        bool
	jsonOutput     bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:   "refine [problem]",
		Short: "Refine - iterative generate, review, and score loop",
		Long: `Generate a solution to a problem, have a reviewer score it, and refine it
over multiple rounds until the score target is reached.

Exit codes:
  0 - Target score reached
  1 - Round budget exhausted without reaching the target
  2 - Error
  130 - Interrupted`,
		Args:          cobra.ExactArgs(1),
		RunE:          runSolve,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildVersionString(),
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	// Configuration flags (defaults are resolved via config.Resolve with precedence: flag > env > config > default)
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0,
		"Timeout per backend request (default: 5m, env: REFINE_TIMEOUT)")
	rootCmd.PersistentFlags().StringVar(&solverURL, "solver-url", "",
		"Solver backend base URL (default: http://localhost:11434, env: REFINE_SOLVER_URL)")
	rootCmd.PersistentFlags().StringVar(&solverModel, "solver-model", "",
		"Solver model (default: qwen2.5-coder, env: REFINE_SOLVER_MODEL)")
	rootCmd.PersistentFlags().StringVar(&solverFormat, "solver-format", "",
		"Solver stream format: chat or generate (default: chat, env: REFINE_SOLVER_FORMAT)")
	rootCmd.PersistentFlags().StringVar(&reviewerURL, "reviewer-url", "",
		"Reviewer backend base URL (default: http://localhost:11434, env: REFINE_REVIEWER_URL)")
	rootCmd.PersistentFlags().StringVar(&reviewerModel, "reviewer-model", "",
		"Reviewer model (default: llama3.1, env: REFINE_REVIEWER_MODEL)")
	rootCmd.PersistentFlags().StringVar(&reviewerFormat, "reviewer-format", "",
		"Reviewer stream format: chat or generate (default: chat, env: REFINE_REVIEWER_FORMAT)")
	rootCmd.PersistentFlags().BoolVar(&noConfig, "no-config", false,
		"Skip loading .refine.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")

	rootCmd.Flags().IntVarP(&rounds, "rounds", "r", 0,
		"Round budget, clamped to 1-10 (default: 5, env: REFINE_ROUNDS)")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false,
		"Suppress streaming and print the full run result as JSON")

	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		// Check if this is an exit code wrapper (not a real error)
		if exitErr, ok := err.(exitCodeError); ok {
			return exitErr.code.Int()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return domain.ExitError.Int()
	}

	return 0
}

func runSolve(cmd *cobra.Command, args []string) error {
	problem := args[0]

	if noColor || !terminal.IsStdoutTTY() {
		terminal.DisableColors()
	}

	logger := terminal.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	interrupted := false
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr)
		logger.Log("Interrupted, shutting down...", terminal.StyleWarning)
		interrupted = true
		cancel()
	}()

	resolved, err := resolveConfig(cmd, logger)
	if err != nil {
		return exitCode(domain.ExitError)
	}

	solver, reviewer := buildBackends(resolved)

	sink := &cliSink{out: os.Stdout, logger: logger, quiet: jsonOutput}
	orc, err := orchestrator.New(orchestratorConfig(), solver, reviewer, sink)
	if err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return exitCode(domain.ExitError)
	}

	logger.Logf(terminal.StyleInfo, "Starting run %s(%d rounds, solver=%s, reviewer=%s)%s",
		terminal.Color(terminal.Dim), resolved.Rounds, resolved.Solver.Model, resolved.Reviewer.Model,
		terminal.Color(terminal.Reset))

	result, runErr := orc.Run(ctx, problem, resolved.Rounds)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Logf(terminal.StyleError, "encoding result: %v", err)
			return exitCode(domain.ExitError)
		}
	} else {
		printSummary(result)
	}

	if runErr != nil {
		if interrupted || errors.Is(runErr, context.Canceled) {
			return exitCode(domain.ExitInterrupted)
		}
		logger.Logf(terminal.StyleError, "%v", runErr)
		return exitCode(domain.ExitError)
	}
	if result.Best != nil && result.Best.Score >= orchestrator.TargetScore {
		return exitCode(domain.ExitSolved)
	}
	return exitCode(domain.ExitBudgetExhausted)
}

// resolveConfig loads the config file, env vars, and flags, and merges them
// with precedence: flags > env vars > config file > defaults.
func resolveConfig(cmd *cobra.Command, logger *terminal.Logger) (config.ResolvedConfig, error) {
	var cfg *config.Config
	if !noConfig {
		var err error
		cfg, err = config.Load()
		if err != nil {
			logger.Logf(terminal.StyleError, "Config error: %v", err)
			return config.ResolvedConfig{}, err
		}
	}

	flagState := config.FlagState{
		RoundsSet:         cmd.Flags().Changed("rounds"),
		TimeoutSet:        cmd.Flags().Changed("timeout"),
		SolverURLSet:      cmd.Flags().Changed("solver-url"),
		SolverModelSet:    cmd.Flags().Changed("solver-model"),
		SolverFormatSet:   cmd.Flags().Changed("solver-format"),
		ReviewerURLSet:    cmd.Flags().Changed("reviewer-url"),
		ReviewerModelSet:  cmd.Flags().Changed("reviewer-model"),
		ReviewerFormatSet: cmd.Flags().Changed("reviewer-format"),
	}

	flagValues := config.ResolvedConfig{
		Rounds:  rounds,
		Timeout: timeout,
		Solver:  config.ResolvedBackend{URL: solverURL, Model: solverModel},
		Reviewer: config.ResolvedBackend{
			URL:   reviewerURL,
			Model: reviewerModel,
		},
	}
	if flagState.SolverFormatSet {
		f, err := stream.ParseFormat(solverFormat)
		if err != nil {
			logger.Logf(terminal.StyleError, "--solver-format: %v", err)
			return config.ResolvedConfig{}, err
		}
		flagValues.Solver.Format = f
	}
	if flagState.ReviewerFormatSet {
		f, err := stream.ParseFormat(reviewerFormat)
		if err != nil {
			logger.Logf(terminal.StyleError, "--reviewer-format: %v", err)
			return config.ResolvedConfig{}, err
		}
		flagValues.Reviewer.Format = f
	}

	return config.Resolve(cfg, config.LoadEnvState(), flagState, flagValues), nil
}

func buildBackends(resolved config.ResolvedConfig) (solver, reviewer *backend.Client) {
	solver = backend.NewClient(backend.Options{
		Name:    "solver",
		BaseURL: resolved.Solver.URL,
		Model:   resolved.Solver.Model,
		Format:  resolved.Solver.Format,
		Timeout: resolved.Timeout,
	})
	reviewer = backend.NewClient(backend.Options{
		Name:    "reviewer",
		BaseURL: resolved.Reviewer.URL,
		Model:   resolved.Reviewer.Model,
		Format:  resolved.Reviewer.Format,
		Timeout: resolved.Timeout,
	})
	return solver, reviewer
}

func orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MinRounds:     config.MinRounds,
		MaxRounds:     config.MaxRounds,
		DefaultRounds: config.DefaultRounds,
	}
}

func printSummary(result *domain.RunResult) {
	width := terminal.ReportWidth()
	fmt.Println()
	fmt.Println(terminal.Ruler(width, "-"))

	if result.Best != nil {
		fmt.Printf("%sBest score:%s %d/10 (round %d)\n",
			terminal.Color(terminal.Bold), terminal.Color(terminal.Reset),
			result.Best.Score, result.Best.Round)
	} else {
		fmt.Printf("%sNo solution produced%s\n",
			terminal.Color(terminal.Bold), terminal.Color(terminal.Reset))
	}

	stats := result.Stats
	fmt.Printf("Rounds: %d/%d", stats.RoundsRun, stats.RoundBudget)
	if stats.SkippedRounds > 0 {
		fmt.Printf(" (%d skipped)", stats.SkippedRounds)
	}
	if stats.ParseErrors > 0 {
		fmt.Printf(", %d malformed stream events", stats.ParseErrors)
	}
	fmt.Printf(", elapsed %s\n", terminal.FormatDuration(stats.WallClock))

	if result.Best != nil {
		fmt.Println(terminal.Ruler(width, "-"))
		fmt.Println(result.Best.Solution)
	}
	fmt.Println(terminal.Ruler(width, "-"))
}
