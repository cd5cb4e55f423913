package app

import "strings"

// shortID truncates long wallet/trade IDs for readable logging.
func shortID(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:6] + "…" + s[len(s)-6:]
}

// nz returns fallback if s is empty or whitespace-only.
func nz(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// pairKey builds a canonical undirected edge key for two addresses.
func pairKey(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
