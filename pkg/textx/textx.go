// Package textx provides small text normalization helpers shared by the
// catalog and HTTP layers.
package textx

import (
	"regexp"
	"strings"
)

var wsRun = regexp.MustCompile(`\s+`)

// Normalize lowercases text, collapses internal whitespace runs to a single
// space, and strips leading/trailing whitespace. It is the canonical form
// hashed for exact-text deduplication.
func Normalize(s string) string {
	return strings.TrimSpace(wsRun.ReplaceAllString(strings.ToLower(s), " "))
}

// Slug normalizes a skill tag to a lowercase hyphenated slug.
func Slug(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = wsRun.ReplaceAllString(s, "-")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '+', r == '#':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// Truncate caps s at n bytes, appending a marker when truncated.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
