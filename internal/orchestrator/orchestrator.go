// Package orchestrator drives the iterative generate-review-score loop.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/score"
	"github.com/refinelab/refine/internal/stream"
)

// Backend is the generation endpoint contract the orchestrator drives.
// Implemented by backend.Client; tests substitute fakes.
type Backend interface {
	// Name returns the backend's diagnostic label.
	Name() string
	// CheckAvailability probes the backend and verifies the required model.
	CheckAvailability(ctx context.Context) error
	// Generate requests a solution; the caller decodes and closes the body.
	Generate(ctx context.Context, gc domain.GenerationContext, stream bool) (io.ReadCloser, error)
	// Review requests a scored review of a solution for one round.
	Review(ctx context.Context, problem, solution string, round int) (io.ReadCloser, error)
	// Format reports the wire shape of the backend's response streams.
	Format() stream.Format
}

// Sink receives decoded content fragments and run notifications. Delivery
// is strictly in arrival order; the orchestrator is the only producer for
// the lifetime of a run.
type Sink interface {
	// Fragment delivers one decoded content fragment.
	Fragment(text string)
	// Notice delivers a lifecycle notification (round transitions, new
	// best, completion, errors).
	Notice(text string)
}

// TargetScore is the early-stop quality threshold: a round scoring at or
// above it ends the run regardless of remaining budget.
const TargetScore = 9

// Config holds the orchestrator's round-budget bounds.
type Config struct {
	MinRounds     int
	MaxRounds     int
	DefaultRounds int
}

// Orchestrator owns one run at a time: its RunResult and both backend
// handles are never shared. A second concurrent run needs its own instance.
type Orchestrator struct {
	config   Config
	solver   Backend
	reviewer Backend
	sink     Sink
}

// New creates an orchestrator for the given backends and sink.
func New(config Config, solver, reviewer Backend, sink Sink) (*Orchestrator, error) {
	if solver == nil || reviewer == nil {
		return nil, fmt.Errorf("both solver and reviewer backends are required")
	}
	if sink == nil {
		return nil, fmt.Errorf("a sink is required")
	}
	return &Orchestrator{config: config, solver: solver, reviewer: reviewer, sink: sink}, nil
}

// ClampRounds maps any requested budget into [MinRounds, MaxRounds].
// Zero means "use the default". Out-of-range values are silently
// corrected to the nearest bound, never rejected.
func (c Config) ClampRounds(rounds int) int {
	if rounds == 0 {
		rounds = c.DefaultRounds
	}
	if rounds < c.MinRounds {
		return c.MinRounds
	}
	if rounds > c.MaxRounds {
		return c.MaxRounds
	}
	return rounds
}

// Run executes up to rounds generate-review cycles for problem and returns
// the finalized RunResult. The result is always non-nil; on failure it
// carries StatusError, the error message, and all records from rounds that
// completed before the failure. The returned error is non-nil exactly when
// the result status is StatusError.
func (o *Orchestrator) Run(ctx context.Context, problem string, rounds int) (*domain.RunResult, error) {
	budget := o.config.ClampRounds(rounds)
	start := time.Now()

	result := &domain.RunResult{Problem: problem}
	var (
		best        *domain.RoundRecord
		skipped     int
		parseErrors int
	)

	finish := func(status domain.Status, runErr error) (*domain.RunResult, error) {
		result.Status = status
		result.Best = best
		if runErr != nil {
			result.Err = runErr.Error()
		}
		result.Stats = buildStats(result.Rounds, budget, skipped, parseErrors, time.Since(start))
		return result, runErr
	}

	// Both liveness probes run concurrently and are both awaited before
	// any round starts. A failed probe means no rounds run at all.
	if err := o.checkConnections(ctx); err != nil {
		o.sink.Notice(fmt.Sprintf("connection check failed: %v", err))
		return finish(domain.StatusError, err)
	}

	for round := 1; round <= budget; round++ {
		roundStart := time.Now()

		gc := domain.GenerationContext{Problem: problem}
		if best != nil {
			gc.PreviousSolution = best.Solution
			gc.PreviousFeedback = feedbackSummary(best.Score)
		}

		o.sink.Notice(fmt.Sprintf("round %d/%d: generating", round, budget))
		solution, nErrs, err := o.decodeCall(ctx, o.solver, func(ctx context.Context) (io.ReadCloser, error) {
			return o.solver.Generate(ctx, gc, true)
		})
		parseErrors += nErrs
		if err != nil {
			o.sink.Notice(fmt.Sprintf("error: %v", err))
			return finish(domain.StatusError, err)
		}

		if emptySolution(solution) {
			skipped++
			o.sink.Notice(fmt.Sprintf("round %d/%d: empty solution, skipping review", round, budget))
			continue
		}

		o.sink.Notice(fmt.Sprintf("round %d/%d: reviewing", round, budget))
		review, nErrs, err := o.decodeCall(ctx, o.reviewer, func(ctx context.Context) (io.ReadCloser, error) {
			return o.reviewer.Review(ctx, problem, solution, round)
		})
		parseErrors += nErrs
		if err != nil {
			o.sink.Notice(fmt.Sprintf("error: %v", err))
			return finish(domain.StatusError, err)
		}

		record := domain.RoundRecord{
			Round:    round,
			Solution: solution,
			Review:   review,
			Score:    score.Extract(review),
			Duration: time.Since(roundStart),
		}
		result.Rounds = append(result.Rounds, record)

		// Strict greater-than: ties keep the earlier record.
		if best == nil || record.Score > best.Score {
			copied := record
			best = &copied
			o.sink.Notice(fmt.Sprintf("round %d/%d: new best score %d/10", round, budget, record.Score))
		}

		if record.Score >= TargetScore {
			o.sink.Notice(fmt.Sprintf("score %d/10 reached the target, stopping early", record.Score))
			break
		}
	}

	o.sink.Notice(finalSummary(best))
	return finish(domain.StatusSuccess, nil)
}

// checkConnections probes both backends concurrently and waits for both.
func (o *Orchestrator) checkConnections(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range []Backend{o.solver, o.reviewer} {
		b := b
		g.Go(func() error {
			return b.CheckAvailability(gctx)
		})
	}
	return g.Wait()
}

// decodeCall issues one backend request and decodes its response stream,
// emitting fragments to the sink in arrival order. The decode is fully
// consumed before the caller moves on; no stream processing outlives it.
func (o *Orchestrator) decodeCall(ctx context.Context, b Backend, call func(context.Context) (io.ReadCloser, error)) (text string, parseErrors int, err error) {
	body, err := call(ctx)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	dec := stream.NewDecoder(b.Format(), o.sink.Fragment)
	text, err = dec.Decode(body)
	return text, dec.ParseErrors(), err
}

// emptySentinel is what the decoder emits for an empty fenced block; a
// solution consisting only of it carries no content worth reviewing.
const emptySentinel = "function example() {  }"

func emptySolution(s string) bool {
	trimmed := strings.TrimSpace(s)
	return trimmed == "" || trimmed == emptySentinel
}

// feedbackSummary derives the revision feedback line from the best score
// so far.
func feedbackSummary(bestScore int) string {
	return fmt.Sprintf("The previous solution scored %d/10. Address the reviewer's criticism and improve on it.", bestScore)
}

func finalSummary(best *domain.RoundRecord) string {
	if best == nil {
		return "run complete: no solution produced"
	}
	return fmt.Sprintf("run complete: best score %d/10 from round %d", best.Score, best.Round)
}

func buildStats(rounds []domain.RoundRecord, budget, skipped, parseErrors int, wallClock time.Duration) domain.RunStats {
	stats := domain.RunStats{
		RoundBudget:    budget,
		RoundsRun:      len(rounds),
		SkippedRounds:  skipped,
		ParseErrors:    parseErrors,
		WallClock:      wallClock,
		RoundDurations: make(map[int]time.Duration, len(rounds)),
	}
	for _, r := range rounds {
		stats.RoundDurations[r.Round] = r.Duration
		if stats.BestRound == 0 || r.Score > stats.BestScore {
			stats.BestScore = r.Score
			stats.BestRound = r.Round
		}
	}
	return stats
}
