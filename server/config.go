package server

import (
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultAutoRegisterDomains are the redirect hosts for which an unknown
// client is registered on the fly at the authorize endpoint.
var DefaultAutoRegisterDomains = []string{
	"claude.ai",
	"localhost",
	"127.0.0.1",
	"execute-api.us-east-1.amazonaws.com",
}

// Config holds OAuth server configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes
	AuthorizationCodeTTL time.Duration

	// AllowedAutoRegisterDomains lists the redirect hosts eligible for JIT
	// registration. A host matches a domain exactly or as a subdomain of it.
	// Default: DefaultAutoRegisterDomains
	AllowedAutoRegisterDomains []string

	// DisableAutoRegistration turns JIT registration off entirely.
	DisableAutoRegistration bool

	// DefaultClientScope is stored on clients that register without a scope.
	// Default: "read write"
	DefaultClientScope string

	// DefaultRequestedScope is assumed when the authorize request has no scope.
	// Default: "read write"
	DefaultRequestedScope string

	// EmptyScopeFallback is granted when the requested scopes and the user's
	// scopes do not intersect. Set NoScopeFallback to reject such requests
	// with invalid_scope instead.
	// Default: "read"
	EmptyScopeFallback string
	NoScopeFallback    bool

	// BcryptCost is the cost used for client secrets and passwords.
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// MinPasswordLength is enforced on signup and user creation.
	// Default: 8
	MinPasswordLength int

	// DefaultUserScopes are granted to users created without explicit scopes.
	// Default: ["read", "write"]
	DefaultUserScopes []string
}

// applySecureDefaults fills unset fields and warns about weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AllowedAutoRegisterDomains == nil {
		config.AllowedAutoRegisterDomains = DefaultAutoRegisterDomains
	}
	if config.DefaultClientScope == "" {
		config.DefaultClientScope = "read write"
	}
	if config.DefaultRequestedScope == "" {
		config.DefaultRequestedScope = "read write"
	}
	if config.EmptyScopeFallback == "" && !config.NoScopeFallback {
		config.EmptyScopeFallback = "read"
	}
	if config.NoScopeFallback {
		config.EmptyScopeFallback = ""
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = 8
	}
	if len(config.DefaultUserScopes) == 0 {
		config.DefaultUserScopes = []string{"read", "write"}
	}

	logSecurityWarnings(config, logger)
	return config
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.BcryptCost < bcrypt.DefaultCost {
		logger.Warn("SECURITY WARNING: bcrypt cost below default",
			"cost", config.BcryptCost,
			"recommendation", "Only lower BcryptCost in tests")
	}
	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("SECURITY WARNING: long-lived authorization codes",
			"ttl", config.AuthorizationCodeTTL,
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2")
	}
	if !config.DisableAutoRegistration && len(config.AllowedAutoRegisterDomains) > 0 {
		logger.Debug("JIT client registration enabled",
			"domains", config.AllowedAutoRegisterDomains)
	}
}
