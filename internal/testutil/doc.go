// Package testutil provides testing utilities and fixtures for Herald: a
// fully wired in-memory stack, seed helpers, PKCE pairs, a mock clock and an
// HTTP request builder.
package testutil
