package util

import (
	"regexp"
	"slices"
	"strings"
)

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen is treated as 0.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so issuer URLs compare and join cleanly.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScope splits a space-delimited scope string into its values.
// Repeated whitespace is ignored and duplicates are dropped, keeping first-seen order.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope joins scope values into the space-delimited wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the values of requested that also appear in allowed,
// in the order they were requested.
func IntersectScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsSubset reports whether every value in sub is present in set.
func IsSubset(sub, set []string) bool {
	for _, s := range sub {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses every run of non-alphanumeric
// characters into a single hyphen.
//
// Example:
//
//	Slugify("Acme Corp, Inc.") // Returns: "acme-corp-inc"
func Slugify(name string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
