package security

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy permits the inline styles of the login form and
// nothing else.
const contentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self' https: http://localhost:* http://127.0.0.1:*; frame-ancestors 'none'"

// SetSecurityHeaders sets the response headers every Herald response carries.
// Handlers may override Cache-Control afterwards, as the metadata endpoints do.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", contentSecurityPolicy)
	h.Set("Referrer-Policy", "no-referrer")
	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	h.Set("Cache-Control", "no-store")
}

// HeadersMiddleware applies SetSecurityHeaders before calling next. issuer
// resolves the public issuer of each request, which decides whether HSTS is
// sent.
func HeadersMiddleware(issuer func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuer(r))
			next.ServeHTTP(w, r)
		})
	}
}
