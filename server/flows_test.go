package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

func registerPublicClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	client, _, err := srv.RegisterClient(context.Background(), RegistrationRequest{
		ClientName:              "public",
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

func wantOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	oe, ok := AsError(err)
	if !ok {
		t.Fatalf("error = %v, want OAuth error %s", err, code)
	}
	if oe.Code != code {
		t.Fatalf("error code = %s (%s), want %s", oe.Code, oe.Description, code)
	}
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	user := seedUser(t, srv, "dev@example.com", "read", "write")
	client := registerPublicClient(t, srv)
	p := newPKCE(t)

	code := issueCode(t, srv, client.ClientID, user.Email, "read write", p)
	resp, err := srv.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: p.verifier,
		ClientID:     client.ClientID,
	}, "")
	if err != nil {
		t.Fatalf("ExchangeToken() error = %v", err)
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "read write" {
		t.Errorf("Scope = %q", resp.Scope)
	}
	if resp.RefreshToken == "" {
		t.Error("no refresh token issued")
	}

	claims, err := srv.Tokens().VerifyAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.Subject != user.ID || claims.TenantID != user.TenantID || claims.ClientID != client.ClientID {
		t.Errorf("claims = %+v", claims)
	}

	t.Run("second exchange is invalid_grant", func(t *testing.T) {
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			Code:         code,
			RedirectURI:  testRedirectURI,
			CodeVerifier: p.verifier,
			ClientID:     client.ClientID,
		}, "")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestServer_ExchangeAuthorizationCode_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	user := seedUser(t, srv, "dev@example.com")
	client := registerPublicClient(t, srv)
	other := registerPublicClient(t, srv)

	tests := []struct {
		name     string
		mutate   func(req *TokenRequest)
		wantCode string
	}{
		{"missing code", func(r *TokenRequest) { r.Code = "" }, ErrorCodeInvalidRequest},
		{"missing verifier", func(r *TokenRequest) { r.CodeVerifier = "" }, ErrorCodeInvalidRequest},
		{"unknown code", func(r *TokenRequest) { r.Code = "no-such-code" }, ErrorCodeInvalidGrant},
		{"wrong verifier", func(r *TokenRequest) { r.CodeVerifier = newPKCE(t).verifier }, ErrorCodeInvalidGrant},
		{"other client", func(r *TokenRequest) { r.ClientID = other.ClientID }, ErrorCodeInvalidGrant},
		{"redirect mismatch", func(r *TokenRequest) { r.RedirectURI = "https://claude.ai/elsewhere" }, ErrorCodeInvalidGrant},
		{"redirect omitted", func(r *TokenRequest) { r.RedirectURI = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPKCE(t)
			req := TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         issueCode(t, srv, client.ClientID, user.Email, "read", p),
				RedirectURI:  testRedirectURI,
				CodeVerifier: p.verifier,
				ClientID:     client.ClientID,
			}
			tt.mutate(&req)
			_, err := srv.ExchangeToken(context.Background(), req, "")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ExchangeToken() error = %v", err)
				}
				return
			}
			wantOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestServer_ExchangeAuthorizationCode_Expired(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	user := seedUser(t, srv, "dev@example.com")
	client := registerPublicClient(t, srv)
	p := newPKCE(t)
	code := issueCode(t, srv, client.ClientID, user.Email, "read", p)

	srv.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })
	_, err := srv.ExchangeToken(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: p.verifier,
		ClientID:     client.ClientID,
	}, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ExchangeAuthorizationCode_ConfidentialClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	user := seedUser(t, srv, "dev@example.com")
	client, secret, err := srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "confidential",
		RedirectURIs: []string{testRedirectURI},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	exchange := func(t *testing.T, clientSecret string) error {
		t.Helper()
		p := newPKCE(t)
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			Code:         issueCode(t, srv, client.ClientID, user.Email, "read", p),
			CodeVerifier: p.verifier,
			ClientID:     client.ClientID,
			ClientSecret: clientSecret,
		}, "")
		return err
	}

	wantOAuthError(t, exchange(t, ""), ErrorCodeInvalidClient)
	wantOAuthError(t, exchange(t, "not-the-secret"), ErrorCodeInvalidClient)
	if err := exchange(t, secret); err != nil {
		t.Errorf("exchange with secret error = %v", err)
	}
}

func TestServer_ExchangeAuthorizationCode_Concurrent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	user := seedUser(t, srv, "dev@example.com")
	client := registerPublicClient(t, srv)
	p := newPKCE(t)
	code := issueCode(t, srv, client.ClientID, user.Email, "read", p)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeToken(context.Background(), TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				CodeVerifier: p.verifier,
				ClientID:     client.ClientID,
			}, "")
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful exchanges = %d, want 1", got)
	}
}

func TestServer_RefreshAccessToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	user := seedUser(t, srv, "dev@example.com", "read", "write")
	client := registerPublicClient(t, srv)
	p := newPKCE(t)

	first, err := srv.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         issueCode(t, srv, client.ClientID, user.Email, "read", p),
		CodeVerifier: p.verifier,
		ClientID:     client.ClientID,
	}, "")
	if err != nil {
		t.Fatalf("ExchangeToken() error = %v", err)
	}

	second, err := srv.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     client.ClientID,
	}, "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.Scope != "read" {
		t.Errorf("Scope = %q, want the original grant only", second.Scope)
	}
	claims, err := srv.Tokens().VerifyAccessToken(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.Scope != "read" || claims.Subject != user.ID {
		t.Errorf("claims = %+v", claims)
	}

	t.Run("old token is rejected", func(t *testing.T) {
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: first.RefreshToken,
			ClientID:     client.ClientID,
		}, "")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("other client is rejected", func(t *testing.T) {
		other := registerPublicClient(t, srv)
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: second.RefreshToken,
			ClientID:     other.ClientID,
		}, "")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: second.AccessToken,
			ClientID:     client.ClientID,
		}, "")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := srv.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, ClientID: client.ClientID}, "")
		wantOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("revoked token", func(t *testing.T) {
		if err := srv.Tokens().RevokeRefreshToken(ctx, second.RefreshToken); err != nil {
			t.Fatalf("RevokeRefreshToken() error = %v", err)
		}
		_, err := srv.ExchangeToken(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: second.RefreshToken,
			ClientID:     client.ClientID,
		}, "")
		wantOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestServer_RefreshAccessToken_Concurrent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	user := seedUser(t, srv, "dev@example.com")
	client := registerPublicClient(t, srv)

	secret, _, err := srv.Tokens().IssueRefreshToken(ctx, user.ID, user.TenantID, []string{"read"}, client.ClientID, 0)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeToken(ctx, TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				RefreshToken: secret,
				ClientID:     client.ClientID,
			}, "")
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful refreshes = %d, want 1", got)
	}
	if _, err := srv.Tokens().VerifyRefreshToken(ctx, secret); !errors.Is(err, token.ErrRefreshTokenNotFound) {
		t.Errorf("rotated token still verifies: %v", err)
	}
}

func TestServer_ExchangeToken_UnsupportedGrant(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, err := srv.ExchangeToken(context.Background(), TokenRequest{GrantType: "password"}, "")
	wantOAuthError(t, err, ErrorCodeUnsupportedGrantType)
	oe, _ := AsError(err)
	if oe.Description != "Grant type 'password' is not supported" {
		t.Errorf("description = %q", oe.Description)
	}
}
