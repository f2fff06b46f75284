package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "2025-03-14", "2025-03-14"},
		{"newline injection", "2025-03-14\n[db] fake entry", "2025-03-14 [db] fake entry"},
		{"carriage return and tab", "a\r\tb", "a  b"},
		{"control chars", "a\x00b\x1bc\x7f", "abc"},
		{"unicode kept", "Ñiño", "Ñiño"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if len(got) != maxLoggedLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("len = %d, want %d with ellipsis", len(got), maxLoggedLen+3)
	}
}
