package chat

import (
	"strings"
	"unicode/utf8"
)

// TextMetrics are the simple length measures recorded for both sides of a
// dialogue turn.
type TextMetrics struct {
	Chars int
	Words int
	// Tokens approximates token count as max(1, chars/3).
	Tokens int
}

// Measure computes metrics over the trimmed text: character count, word
// count by whitespace splitting, and the token approximation.
func Measure(text string) TextMetrics {
	trimmed := strings.TrimSpace(text)
	chars := utf8.RuneCountInString(trimmed)
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return TextMetrics{
		Chars:  chars,
		Words:  len(strings.Fields(trimmed)),
		Tokens: tokens,
	}
}
