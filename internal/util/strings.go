package util

import "strings"

// DefaultString returns fallback when v is empty or whitespace-only.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders blank table cells as "-".
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}
