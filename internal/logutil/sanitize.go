package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (commands, session titles, paths) so they cannot forge extra log
// entries or smuggle terminal escape sequences into the server log.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to max runes for log readability, appending "..." when
// anything was cut. The cut always falls on a rune boundary so a multi-byte
// sequence is never split.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
