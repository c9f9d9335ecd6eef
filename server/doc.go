// Package server implements the OAuth 2.1 authorization server logic.
//
// The Server type is transport-agnostic: HTTP handlers in the root herald
// package parse requests, call into Server and render the outcome. Server
// covers:
//   - Dynamic client registration (RFC 7591) and JIT auto-registration of
//     public clients whose redirect host is on an allow-list
//   - The authorization code flow with mandatory PKCE
//   - Token exchange and refresh token rotation
//   - Tenant signup, user creation and password authentication
//
// All failures meant for the client are returned as *Error values carrying
// an RFC 6749 error code. Internal failures are returned wrapped and are
// rendered by the caller as server_error.
//
// Example usage:
//
//	store := memory.New()
//	issuer, _ := token.NewIssuer(token.Config{}, store, store, logger)
//
//	srv, err := server.New(store, store, store, issuer, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
