package cmd

import "testing"

func TestMaskToken(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "****"},
		{"short", "****"},
		{"12345678", "****"},
		{"vfa_1234567890abcdef", "vfa_...cdef"},
	}

	for _, tt := range tests {
		if got := maskToken(tt.input); got != tt.expected {
			t.Errorf("maskToken(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestMaskEnd(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"https://cp.virtfleet.io/api/v1/very/long/path", 20, "https://cp.virtfleet..."},
		{"exact-length", 12, "exact-length"},
	}

	for _, tt := range tests {
		if got := maskEnd(tt.input, tt.maxLen); got != tt.expected {
			t.Errorf("maskEnd(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
		}
	}
}
