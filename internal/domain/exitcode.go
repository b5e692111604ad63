package domain

// ExitCode represents the exit status of a run.
type ExitCode int

const (
	// ExitSolved indicates the run reached the score threshold.
	ExitSolved ExitCode = 0
	// ExitBudgetExhausted indicates the run completed without reaching the
	// score threshold.
	ExitBudgetExhausted ExitCode = 1
	// ExitError indicates the run failed due to an error.
	ExitError ExitCode = 2
	// ExitInterrupted indicates the run was interrupted by a signal.
	ExitInterrupted ExitCode = 130
)

// Int returns the exit code as an int for use with os.Exit.
func (e ExitCode) Int() int {
	return int(e)
}
