package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen bounds upstream bodies echoed into logs (1KB).
const DefaultLogMaxLen = 1024

// MaxStoredErrorLen bounds error messages persisted on tokens and history rows.
const MaxStoredErrorLen = 500

// TruncateLog truncates long strings for logging and notes the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog over a response body with DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// Truncate returns s cut to at most maxLen runes, ending in "..." when cut.
// The result never exceeds maxLen runes and never splits a rune.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

// ErrorMessage renders err for storage, bounded by MaxStoredErrorLen.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), MaxStoredErrorLen)
}
