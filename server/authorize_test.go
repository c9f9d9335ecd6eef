package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/heraldhq/herald/pkce"
)

func TestServer_StartAuthorization_Errors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	p := newPKCE(t)

	known, _, err := srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "known",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	tests := []struct {
		name     string
		req      AuthorizationRequest
		wantCode string
		wantDesc string
	}{
		{
			name:     "token response type",
			req:      AuthorizationRequest{ResponseType: "token", RedirectURI: testRedirectURI, CodeChallenge: p.challenge},
			wantCode: ErrorCodeUnsupportedResponseType,
			wantDesc: "Only 'code' response type is supported",
		},
		{
			name:     "missing redirect_uri",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: known.ClientID, CodeChallenge: p.challenge},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "redirect_uri is required",
		},
		{
			name:     "unknown client off the allow-list",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: "stranger", RedirectURI: "https://evil.example.net/cb", CodeChallenge: p.challenge},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "redirect_uri not allowed for auto-registration",
		},
		{
			name:     "known client with foreign redirect",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: known.ClientID, RedirectURI: testRedirectURI, CodeChallenge: p.challenge},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "Invalid redirect_uri for this client",
		},
		{
			name:     "missing code_challenge",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: known.ClientID, RedirectURI: "https://app.example.com/cb"},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "code_challenge is required (PKCE)",
		},
		{
			name: "unsupported challenge method",
			req: AuthorizationRequest{
				ResponseType: "code", ClientID: known.ClientID, RedirectURI: "https://app.example.com/cb",
				CodeChallenge: p.challenge, CodeChallengeMethod: "S512",
			},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.StartAuthorization(ctx, tt.req, "127.0.0.1")
			oe, ok := AsError(err)
			if !ok {
				t.Fatalf("StartAuthorization() error = %v, want *Error", err)
			}
			if oe.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", oe.Code, tt.wantCode)
			}
			if tt.wantDesc != "" && oe.Description != tt.wantDesc {
				t.Errorf("description = %q, want %q", oe.Description, tt.wantDesc)
			}
		})
	}
}

func TestServer_StartAuthorization_Defaults(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	p := newPKCE(t)

	client, _, err := srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "known",
		RedirectURIs: []string{testRedirectURI},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	req, got, err := srv.StartAuthorization(ctx, AuthorizationRequest{
		ResponseType:  "code",
		ClientID:      client.ClientID,
		RedirectURI:   testRedirectURI,
		CodeChallenge: p.challenge,
	}, "")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("client = %q, want %q", got.ClientID, client.ClientID)
	}
	if req.Scope != "read write" {
		t.Errorf("Scope = %q, want default", req.Scope)
	}
	if req.CodeChallengeMethod != pkce.MethodS256 {
		t.Errorf("CodeChallengeMethod = %q, want S256", req.CodeChallengeMethod)
	}
}

func TestServer_StartAuthorization_JIT(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	p := newPKCE(t)

	t.Run("generated client id", func(t *testing.T) {
		req, client, err := srv.StartAuthorization(ctx, AuthorizationRequest{
			ResponseType:  "code",
			RedirectURI:   testRedirectURI,
			CodeChallenge: p.challenge,
		}, "")
		if err != nil {
			t.Fatalf("StartAuthorization() error = %v", err)
		}
		if !strings.HasPrefix(req.ClientID, ClientIDPrefix) {
			t.Errorf("ClientID = %q", req.ClientID)
		}
		if !client.IsPublic() || client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
			t.Errorf("auto-registered client is not public: %+v", client)
		}
		if client.ClientName != "Auto-registered: "+testRedirectURI {
			t.Errorf("ClientName = %q", client.ClientName)
		}
	})

	t.Run("supplied client id is kept", func(t *testing.T) {
		req, _, err := srv.StartAuthorization(ctx, AuthorizationRequest{
			ResponseType:  "code",
			ClientID:      "claude-desktop",
			RedirectURI:   "http://localhost:6274/oauth/callback",
			CodeChallenge: p.challenge,
		}, "")
		if err != nil {
			t.Fatalf("StartAuthorization() error = %v", err)
		}
		if req.ClientID != "claude-desktop" {
			t.Errorf("ClientID = %q, want claude-desktop", req.ClientID)
		}

		// the second request finds the registered client
		if _, _, err := srv.StartAuthorization(ctx, *req, ""); err != nil {
			t.Errorf("second StartAuthorization() error = %v", err)
		}
	})
}

func TestServer_StartAuthorization_InactiveClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	client, _, err := srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "c",
		RedirectURIs: []string{testRedirectURI},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := store.SetClientActive(ctx, client.ClientID, false); err != nil {
		t.Fatalf("SetClientActive() error = %v", err)
	}

	_, _, err = srv.StartAuthorization(ctx, AuthorizationRequest{
		ResponseType:  "code",
		ClientID:      client.ClientID,
		RedirectURI:   testRedirectURI,
		CodeChallenge: newPKCE(t).challenge,
	}, "")
	if oe, ok := AsError(err); !ok || oe.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("StartAuthorization() error = %v, want unauthorized_client", err)
	}
}

func TestServer_CompleteAuthorization(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	p := newPKCE(t)
	user := seedUser(t, srv, "reader@example.com", "read")

	start := func(t *testing.T, scope string) *AuthorizationRequest {
		t.Helper()
		req, _, err := srv.StartAuthorization(ctx, AuthorizationRequest{
			ResponseType:  "code",
			RedirectURI:   testRedirectURI,
			Scope:         scope,
			State:         "st&ate",
			CodeChallenge: p.challenge,
		}, "")
		if err != nil {
			t.Fatalf("StartAuthorization() error = %v", err)
		}
		return req
	}

	t.Run("issues code with intersected scope", func(t *testing.T) {
		req := start(t, "read write admin")
		location, err := srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
		if err != nil {
			t.Fatalf("CompleteAuthorization() error = %v", err)
		}
		u, _ := url.Parse(location)
		if !strings.HasPrefix(location, testRedirectURI+"?") {
			t.Errorf("location = %q", location)
		}
		if u.Query().Get("state") != "st&ate" {
			t.Errorf("state = %q", u.Query().Get("state"))
		}
		code, err := store.GetAuthorizationCode(ctx, u.Query().Get("code"))
		if err != nil {
			t.Fatalf("code not stored: %v", err)
		}
		if code.Scope != "read" {
			t.Errorf("Scope = %q, want read", code.Scope)
		}
		if code.UserID != user.ID || code.ClientID != req.ClientID {
			t.Errorf("code bound to %s/%s", code.UserID, code.ClientID)
		}
		if got := code.ExpiresAt.Sub(code.CreatedAt); got != srv.Config.AuthorizationCodeTTL {
			t.Errorf("code lifetime = %v", got)
		}
	})

	t.Run("no state is not echoed", func(t *testing.T) {
		req := start(t, "read")
		req.State = ""
		location, err := srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
		if err != nil {
			t.Fatalf("CompleteAuthorization() error = %v", err)
		}
		if strings.Contains(location, "state=") {
			t.Errorf("location = %q carries state", location)
		}
	})

	t.Run("empty intersection falls back to read", func(t *testing.T) {
		req := start(t, "admin")
		location, err := srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
		if err != nil {
			t.Fatalf("CompleteAuthorization() error = %v", err)
		}
		u, _ := url.Parse(location)
		code, err := store.GetAuthorizationCode(ctx, u.Query().Get("code"))
		if err != nil {
			t.Fatalf("GetAuthorizationCode() error = %v", err)
		}
		if code.Scope != "read" {
			t.Errorf("Scope = %q, want read", code.Scope)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		req := start(t, "read")
		_, err := srv.CompleteAuthorization(ctx, *req, user.Email, "wrong-password", "")
		if !errors.Is(err, ErrLoginFailed) {
			t.Errorf("CompleteAuthorization() error = %v, want ErrLoginFailed", err)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		req := start(t, "read")
		_, err := srv.CompleteAuthorization(ctx, *req, "ghost@example.com", testPassword, "")
		if !errors.Is(err, ErrLoginFailed) {
			t.Errorf("CompleteAuthorization() error = %v, want ErrLoginFailed", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		req := start(t, "read")
		_, err := srv.CompleteAuthorization(ctx, *req, "", "", "")
		oe, ok := AsError(err)
		if !ok || oe.Description != "Email and password are required" {
			t.Errorf("CompleteAuthorization() error = %v", err)
		}
	})

	t.Run("tampered redirect_uri", func(t *testing.T) {
		req := start(t, "read")
		req.RedirectURI = "https://claude.ai/other"
		_, err := srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
		if oe, ok := AsError(err); !ok || oe.Code != ErrorCodeInvalidRequest {
			t.Errorf("CompleteAuthorization() error = %v", err)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		req := start(t, "read")
		req.ClientID = "never-registered"
		_, err := srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
		if oe, ok := AsError(err); !ok || oe.Code != ErrorCodeInvalidRequest {
			t.Errorf("CompleteAuthorization() error = %v", err)
		}
	})
}

func TestServer_CompleteAuthorization_NoScopeFallback(t *testing.T) {
	srv, _ := newTestServer(t, &Config{NoScopeFallback: true})
	ctx := context.Background()
	user := seedUser(t, srv, "reader@example.com", "read")

	req, _, err := srv.StartAuthorization(ctx, AuthorizationRequest{
		ResponseType:  "code",
		RedirectURI:   testRedirectURI,
		Scope:         "admin",
		CodeChallenge: newPKCE(t).challenge,
	}, "")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	_, err = srv.CompleteAuthorization(ctx, *req, user.Email, testPassword, "")
	if oe, ok := AsError(err); !ok || oe.Code != ErrorCodeInvalidScope {
		t.Errorf("CompleteAuthorization() error = %v, want invalid_scope", err)
	}
}

func TestAppendQuery(t *testing.T) {
	got, err := appendQuery("https://example.com/cb?keep=1", url.Values{"code": {"abc"}})
	if err != nil {
		t.Fatalf("appendQuery() error = %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("keep") != "1" || u.Query().Get("code") != "abc" {
		t.Errorf("appendQuery() = %q", got)
	}
}
