package tokenutil

import "strings"

// EstimateTokens returns max(len(content)/4, word count) — a char-based
// floor for code/non-English text, a word-based floor otherwise.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	charEstimate := len(content) / 4
	if words > charEstimate {
		return words
	}
	return charEstimate
}
