// Package domain provides core types for the refinement loop.
package domain

import "time"

// Status is the terminal state of a run.
type Status string

const (
	// StatusSuccess means the run completed, whether by hitting the score
	// threshold or by exhausting its round budget.
	StatusSuccess Status = "success"
	// StatusError means the run was aborted by a connectivity or backend error.
	StatusError Status = "error"
)

// GenerationContext is the input to a single solver call: the problem plus,
// on revision rounds, the best solution so far and a feedback summary.
// Both PreviousSolution and PreviousFeedback are empty on a fresh round.
type GenerationContext struct {
	Problem          string
	PreviousSolution string
	PreviousFeedback string
}

// IsRevision reports whether the context asks for a revision of a prior
// solution rather than fresh generation.
func (gc GenerationContext) IsRevision() bool {
	return gc.PreviousSolution != "" && gc.PreviousFeedback != ""
}

// RoundRecord holds the outcome of one completed generate-then-review round.
// Records are append-only: once a round completes its record never changes.
type RoundRecord struct {
	Round    int           `json:"round"`
	Solution string        `json:"solution"`
	Review   string        `json:"review"`
	Score    int           `json:"score"`
	Duration time.Duration `json:"duration"`
}

// RunResult is the finalized outcome of one orchestration run.
// Rounds holds completed rounds in order; skipped rounds (empty solution)
// do not appear. Best is a copy of the highest-scoring round, earliest on
// ties, or nil if no round produced a solution.
type RunResult struct {
	Problem string        `json:"problem"`
	Rounds  []RoundRecord `json:"iterations"`
	Best    *RoundRecord  `json:"bestSolution,omitempty"`
	Status  Status        `json:"status"`
	Err     string        `json:"error,omitempty"`
	Stats   RunStats      `json:"statistics"`
}

// RunStats holds aggregate statistics about a run.
type RunStats struct {
	RoundBudget    int                   `json:"roundBudget"`
	RoundsRun      int                   `json:"roundsRun"`
	SkippedRounds  int                   `json:"skippedRounds"`
	ParseErrors    int                   `json:"parseErrors"`
	BestScore      int                   `json:"bestScore"`
	BestRound      int                   `json:"bestRound"`
	WallClock      time.Duration         `json:"wallClock"`
	RoundDurations map[int]time.Duration `json:"roundDurations,omitempty"`
}
