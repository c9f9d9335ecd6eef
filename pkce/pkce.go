// Package pkce implements Proof Key for Code Exchange (RFC 7636).
//
// All functions are pure apart from the randomness drawn by GenerateVerifier.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Code challenge methods and verifier bounds (RFC 7636 section 4.1).
const (
	MethodS256  = "S256"
	MethodPlain = "plain"

	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is the length GenerateVerifier uses when asked for 0.
	DefaultVerifierLength = 64
)

// ErrUnsupportedMethod is returned for any code_challenge_method other than S256 or plain.
var ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

// SupportedMethods lists the methods advertised in server metadata.
func SupportedMethods() []string {
	return []string{MethodS256, MethodPlain}
}

// IsSupportedMethod reports whether method is S256 or plain.
func IsSupportedMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// GenerateVerifier returns a URL-safe random verifier of the requested length.
// A length of 0 selects DefaultVerifierLength. The verifier is cut from 96 random
// bytes (768 bits) so every supported length carries the full entropy of its characters.
func GenerateVerifier(length int) (string, error) {
	if length == 0 {
		length = DefaultVerifierLength
	}
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("verifier length must be between %d and %d, got %d",
			MinVerifierLength, MaxVerifierLength, length)
	}
	if length == MinVerifierLength {
		// 32 random bytes encode to exactly 43 characters.
		return oauth2.GenerateVerifier(), nil
	}

	buf := make([]byte, 96)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// DeriveChallenge computes the code_challenge for verifier under method.
func DeriveChallenge(verifier, method string) (string, error) {
	switch method {
	case MethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// Verify recomputes the challenge from verifier and compares it to challenge in
// constant time. A verifier outside the RFC 7636 alphabet or length bounds never
// verifies. An unknown method is an error rather than a false result.
func Verify(verifier, challenge, method string) (bool, error) {
	computed, err := DeriveChallenge(verifier, method)
	if err != nil {
		return false, err
	}
	if ValidateVerifier(verifier) != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}

// ValidateVerifier checks length and the unreserved character set
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
