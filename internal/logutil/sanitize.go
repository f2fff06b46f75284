package logutil

import "strings"

// maxLoggedLen caps user-provided values echoed into the log.
const maxLoggedLen = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a request value cannot forge extra log lines. Long values are
// truncated.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	n := 0
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		if n == maxLoggedLen {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}
