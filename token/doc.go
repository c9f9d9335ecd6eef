// Package token mints and verifies the credentials handed out by the
// authorization server.
//
// Access tokens are HS256-signed JWTs that are never persisted. Every access
// token carries token_type "access_token", and verification rejects anything
// else. Refresh tokens are opaque random strings. Only their SHA-256 hash is
// stored, through storage.RefreshTokenStore.
//
// The signing secret comes from Config.Secret. When that is empty the Issuer
// generates one on first use and stores it with an insert-if-absent on the
// "jwt_secret" setting. Every replica then converges on the winning value.
package token
