package util

import (
	"strconv"
	"strings"
)

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for blank strings. Used for table output.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Plural returns "1 tunnel" / "2 tunnels" style counts.
func Plural(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
