package security

import "time"

// DefaultClockSkewLeeway is the leeway applied when validating the exp and iat
// claims of access tokens issued by another replica.
const DefaultClockSkewLeeway = 5 * time.Second

// IsExpiredAt reports whether expiresAt lies strictly before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return expiresAt.Before(now)
}
