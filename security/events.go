package security

// Event type constants for security audit logging.
const (
	// Client registration
	EventClientRegistered     = "client_registered"
	EventClientAutoRegistered = "client_auto_registered"
	EventClientRejected       = "client_registration_rejected"

	// Authorization and token lifecycle
	EventAuthorizationCodeIssued = "authorization_code_issued"
	EventTokenIssued             = "token_issued"
	EventTokenRefreshed          = "token_refreshed"
	EventTokenRevoked            = "token_revoked"

	// Accounts
	EventSignup       = "tenant_signup"
	EventLoginSuccess = "login_success"

	// Violations
	EventAuthFailure              = "auth_failure"
	EventInvalidClientSecret      = "invalid_client_secret"
	EventPKCEValidationFailed     = "pkce_validation_failed"
	EventCodeReuseDetected        = "authorization_code_reuse_detected"
	EventRefreshTokenReuse        = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential
	EventInvalidRedirect          = "invalid_redirect"
	EventRateLimitExceeded        = "rate_limit_exceeded"
	EventSessionOwnershipMismatch = "session_ownership_mismatch"
	EventToolScopeDenied          = "tool_scope_denied"
)
