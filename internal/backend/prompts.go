package backend

import (
	"fmt"

	"github.com/refinelab/refine/internal/domain"
)

const freshPromptTemplate = `You are an expert programmer. Solve the following problem.

Problem:
%s

Respond with your solution. Put any code in a fenced code block.`

const revisePromptTemplate = `You are an expert programmer. Revise your previous solution to the
following problem, addressing the feedback below.

Problem:
%s

Previous solution:
%s

Feedback:
%s

Respond with the improved solution. Put any code in a fenced code block.`

const reviewPromptTemplate = `You are a strict code reviewer. This is round %d of an iterative
improvement loop.

Problem:
%s

Proposed solution:
%s

Review the solution: correctness first, then clarity and robustness.
End your review with a line of exactly this form:

Score: X/10`

// GenerationPrompt builds the solver prompt. When ctx carries a previous
// solution and feedback summary the prompt asks for a revision; otherwise
// it asks for fresh generation from the problem statement alone.
func GenerationPrompt(ctx domain.GenerationContext) string {
	if ctx.IsRevision() {
		return fmt.Sprintf(revisePromptTemplate, ctx.Problem, ctx.PreviousSolution, ctx.PreviousFeedback)
	}
	return fmt.Sprintf(freshPromptTemplate, ctx.Problem)
}

// ReviewPrompt builds the reviewer prompt for one round. The prompt demands
// an explicit "Score: X/10" line so the score extractor can find it.
func ReviewPrompt(problem, solution string, round int) string {
	return fmt.Sprintf(reviewPromptTemplate, round, problem, solution)
}
