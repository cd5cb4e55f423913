package app

import "testing"

func TestShortID_Util(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890abcdef1234567890abcdef12345678", "0x1234…345678"},
		{"0x123456789012", "0x123456789012"}, // <= 14 chars
		{"shortstring", "shortstring"},
		{"exactly14chars", "exactly14chars"},
		{"fifteencharstr!", "fiftee…arstr!"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := shortID(tt.input)
			if result != tt.expected {
				t.Errorf("shortID(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNz(t *testing.T) {
	tests := []struct {
		s        string
		fallback string
		expected string
	}{
		{"hello", "default", "hello"},
		{"", "default", "default"},
		{"   ", "default", "default"},
		{"\t\n", "default", "default"},
		{"  content  ", "default", "  content  "},
	}

	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			result := nz(tt.s, tt.fallback)
			if result != tt.expected {
				t.Errorf("nz(%q, %q) = %q, want %q", tt.s, tt.fallback, result, tt.expected)
			}
		})
	}
}

func TestPairKey(t *testing.T) {
	a1, b1 := pairKey("0xbbb", "0xaaa")
	a2, b2 := pairKey("0xaaa", "0xbbb")
	if a1 != a2 || b1 != b2 {
		t.Errorf("expected canonical ordering regardless of argument order, got (%s,%s) and (%s,%s)", a1, b1, a2, b2)
	}
	if a1 != "0xaaa" || b1 != "0xbbb" {
		t.Errorf("expected lexicographic order, got (%s,%s)", a1, b1)
	}
}
