// Package utils provides the small shared helpers: logging construction,
// vector normalization, and display truncation.
package utils

import "unicode/utf8"

// Truncate shortens s to at most maxLen characters for display, appending
// "..." when anything was cut. Counts runes so accented report text is not
// sliced mid-character. Non-positive maxLen disables truncation.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
