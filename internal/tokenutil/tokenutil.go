// Package tokenutil estimates and enforces token budgets for prompt context.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TrimToBudget keeps the most recent lines of content that fit within
// budget tokens. A single trailing line over budget is cut from the left.
func TrimToBudget(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(content) <= budget {
		return content
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	kept := make([]string, 0, len(lines))
	used := 0
	for i := len(lines) - 1; i >= 0; i-- {
		cost := EstimateTokens(lines[i] + "\n")
		if used+cost > budget {
			if len(kept) == 0 {
				return tailChars(lines[i], budget*4)
			}
			break
		}
		kept = append(kept, lines[i])
		used += cost
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	// Drop a partial UTF-8 sequence at the cut.
	for len(s) > 0 && s[0]&0xC0 == 0x80 {
		s = s[1:]
	}
	return s
}
