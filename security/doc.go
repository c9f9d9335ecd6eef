// Package security holds the cross-cutting protections of the HTTP surface:
// audit logging with hashed identifiers, per-client rate limiting, request ids,
// response security headers, client IP resolution, and AES-GCM encryption of
// secrets stored at rest.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (normally the client IP)
// and bounds memory by evicting the least recently used identifier once
// MaxEntries is reached. Idle buckets are swept in the background until Stop is
// called.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	r.Use(limiter.Middleware(resolver.ClientIP))
package security
