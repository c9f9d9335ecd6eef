package server

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 7591 section 3.2.2).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeServerError             = "server_error"
)

// ErrLoginFailed is returned when an email/password pair does not identify
// an active user. Unknown email, wrong password and disabled user all
// collapse into it.
var ErrLoginFailed = errors.New("invalid email or password")

// Error is a failure the client is allowed to see.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// invalidGrant is the single outward outcome of every failed code or
// refresh token check.
func invalidGrant() *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: "Invalid or expired grant"}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
