package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/terminal"
)

// exitCodeError is a wrapper type for returning exit codes via error interface.
type exitCodeError struct {
	code domain.ExitCode
}

func (e exitCodeError) Error() string {
	switch e.code {
	case domain.ExitBudgetExhausted:
		return "round budget exhausted without reaching the target score"
	case domain.ExitError:
		return "run failed with error"
	case domain.ExitInterrupted:
		return "run was interrupted"
	default:
		return fmt.Sprintf("exit code %d", e.code)
	}
}

func exitCode(code domain.ExitCode) error {
	if code == domain.ExitSolved {
		return nil
	}
	return exitCodeError{code: code}
}

// cliSink streams content fragments to stdout and lifecycle notices to the
// stderr logger. Fragments print exactly as decoded; a pending partial line
// is closed before a notice so log lines never interleave mid-fragment.
type cliSink struct {
	out     io.Writer
	logger  *terminal.Logger
	quiet   bool
	midLine bool
}

func (s *cliSink) Fragment(text string) {
	if s.quiet || text == "" {
		return
	}
	fmt.Fprint(s.out, text)
	s.midLine = !strings.HasSuffix(text, "\n")
}

func (s *cliSink) Notice(text string) {
	if s.midLine {
		fmt.Fprintln(s.out)
		s.midLine = false
	}
	s.logger.Log(text, terminal.StyleDim)
}
