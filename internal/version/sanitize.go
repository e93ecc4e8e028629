package version

import "strings"

// sanitizeMessage strips control characters 0x00-0x1f except newline
// from a user- or agent-provided commit message (spec.md §4.4).
func sanitizeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// autoMessage formats an auto-commit message with its required prefix.
func autoMessage(text string) string {
	return "auto: " + sanitizeMessage(text)
}

// userMessage formats a user-commit message with its required prefix.
func userMessage(text string) string {
	return "user: " + sanitizeMessage(text)
}
