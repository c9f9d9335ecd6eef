package server

import (
	"net/url"

	"github.com/heraldhq/herald/internal/util"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// validateRedirectURIForRegistration accepts https:// URIs and plain http://
// URIs on a loopback host, for local development clients. Fragments are
// rejected (RFC 6749 section 3.1.2).
func validateRedirectURIForRegistration(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return newError(ErrorCodeInvalidRedirectURI, "Invalid redirect_uri: %s. Must use HTTPS or localhost.", uri)
	}
	if u.Fragment != "" {
		return newError(ErrorCodeInvalidRedirectURI, "Invalid redirect_uri: %s. Fragments are not allowed.", uri)
	}

	switch u.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if util.IsLoopbackHost(u.Host) {
			return nil
		}
	}
	return newError(ErrorCodeInvalidRedirectURI, "Invalid redirect_uri: %s. Must use HTTPS or localhost.", uri)
}
