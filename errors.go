package herald

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/heraldhq/herald/server"
	"github.com/heraldhq/herald/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidCredentials      = "invalid_credentials"
	ErrorCodeConflict                = "conflict"
	ErrorCodeNotFound                = "not_found"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrInvalidCredentials is the single outcome of a failed direct login
	ErrInvalidCredentials = func() *OAuthError {
		return NewOAuthError(ErrorCodeInvalidCredentials, "Invalid email or password", http.StatusUnauthorized)
	}

	// ErrConflict indicates a uniqueness violation such as a taken email
	ErrConflict = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeConflict, desc, http.StatusConflict)
	}

	// ErrNotFound indicates the addressed resource does not exist
	ErrNotFound = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrServerError indicates an internal failure. Details stay in the logs.
	ErrServerError = func() *OAuthError {
		return NewOAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
)

// toOAuthError maps an error from the server layer to its wire form.
// Anything not meant for the client becomes server_error.
func toOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, server.ErrLoginFailed) {
		return ErrInvalidCredentials()
	}
	if errors.Is(err, storage.ErrConflict) {
		return ErrConflict("Resource already exists")
	}
	se, ok := server.AsError(err)
	if !ok {
		return ErrServerError()
	}
	status := http.StatusBadRequest
	if se.Code == server.ErrorCodeInvalidClient {
		status = http.StatusUnauthorized
	}
	return NewOAuthError(se.Code, se.Description, status)
}
