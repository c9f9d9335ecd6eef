// Package util provides small helpers shared across the Herald packages.
//
// Key utilities:
//   - SafeTruncate: truncates token-like strings before they reach a log line
//   - SplitScope / JoinScope / IntersectScopes: space-delimited OAuth scope handling
//   - Slugify: URL-friendly identifiers for tenants
//   - IsLoopbackHost: plain-HTTP allowance for local development hosts
package util
