// Package score extracts a numeric quality score from free-form review text.
package score

import (
	"regexp"
	"strconv"
)

// scorePattern matches the first "Score: <digits>/10" line in a review.
// The keyword is case-sensitive; whitespace around the separator is tolerated.
var scorePattern = regexp.MustCompile(`Score:\s*(\d+)\s*/\s*10`)

// Extract returns the score from the first "Score: X/10" match in text,
// clamped to [0,10]. Returns 0 when no match is found or the match is out
// of range. A score of 0 is indistinguishable from "no score given"; callers
// must not rely on the difference. Extract never fails.
func Extract(text string) int {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 || n > 10 {
		return 0
	}
	return n
}
