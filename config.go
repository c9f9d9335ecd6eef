package herald

import (
	"log/slog"
	"time"
)

// Default values applied by NewHandler.
const (
	DefaultServiceDocumentation = "https://herald.dev/docs"
	DefaultMaxBodyBytes         = 8 << 20
	DefaultMetadataMaxAge       = time.Hour
	DefaultRequestTimeout       = time.Minute
)

// DefaultScopes are advertised when Config.ScopesSupported is empty.
var DefaultScopes = []string{"read", "write", "admin"}

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the public base URL of the server. When empty it is derived
	// from the request host on every request.
	Issuer string

	// ScopesSupported are advertised in both metadata documents.
	// Default: DefaultScopes
	ScopesSupported []string

	// ServiceDocumentation is advertised in the authorization server metadata.
	ServiceDocumentation string

	// MaxBodyBytes caps request bodies. The largest legitimate body is a
	// publish_file call with 5 MiB of base64 content.
	// Default: 8 MiB
	MaxBodyBytes int64

	// RequestTimeout is the deadline placed on every request context. A
	// handler still running when it passes gets 504 Gateway Timeout.
	// Default: DefaultRequestTimeout
	RequestTimeout time.Duration

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the token, registration,
	// signup and login endpoints. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int
}

func applyDefaults(cfg Config) Config {
	if len(cfg.ScopesSupported) == 0 {
		cfg.ScopesSupported = DefaultScopes
	}
	if cfg.ServiceDocumentation == "" {
		cfg.ServiceDocumentation = DefaultServiceDocumentation
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.Rate) + 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
