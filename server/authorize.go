package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/pkce"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// authorizationCodeBytes gives codes 256 bits of entropy.
const authorizationCodeBytes = 32

// AuthorizationRequest carries the parameters of an authorize request.
// The login form round-trips them as hidden fields.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartAuthorization validates an authorize GET request. An absent or
// unknown client is registered on the fly as a public client when the
// redirect host is on the JIT allow-list. The returned request has its
// client_id resolved and its defaults applied and is ready to be rendered
// into the login form.
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest, clientIP string) (*AuthorizationRequest, *storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "server.StartAuthorization")
	defer span.End()

	if req.ResponseType != ResponseTypeCode {
		return nil, nil, newError(ErrorCodeUnsupportedResponseType, "Only 'code' response type is supported")
	}
	if req.RedirectURI == "" {
		return nil, nil, newError(ErrorCodeInvalidRequest, "redirect_uri is required")
	}

	var client *storage.Client
	if req.ClientID != "" {
		c, err := s.clientStore.GetClient(ctx, req.ClientID)
		switch {
		case err == nil:
			client = c
		case !errors.Is(err, storage.ErrNotFound):
			return nil, nil, fmt.Errorf("failed to load client: %w", err)
		}
	}

	if client == nil {
		if !s.IsAllowedAutoRegisterURI(req.RedirectURI) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  req.ClientID,
				IPAddress: clientIP,
				Details:   map[string]any{"reason": "auto_registration_not_allowed"},
			})
			return nil, nil, newError(ErrorCodeInvalidRequest, "redirect_uri not allowed for auto-registration")
		}
		c, err := s.autoRegisterClient(ctx, req.ClientID, req.RedirectURI, clientIP)
		if err != nil {
			return nil, nil, err
		}
		client = c
		req.ClientID = c.ClientID
	} else if err := s.checkClientRedirect(ctx, client, req.RedirectURI, clientIP); err != nil {
		return nil, nil, err
	}

	if err := s.applyAuthorizationDefaults(&req); err != nil {
		return nil, nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	return &req, client, nil
}

// CompleteAuthorization authenticates the end user and issues an
// authorization code. It returns the redirect URL carrying the code and
// the echoed state. A failed login returns ErrLoginFailed so the caller can
// re-present the form.
func (s *Server) CompleteAuthorization(ctx context.Context, req AuthorizationRequest, email, password, clientIP string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.CompleteAuthorization")
	defer span.End()

	if email == "" || password == "" {
		return "", newError(ErrorCodeInvalidRequest, "Email and password are required")
	}
	if req.RedirectURI == "" {
		return "", newError(ErrorCodeInvalidRequest, "redirect_uri is required")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", newError(ErrorCodeInvalidRequest, "Unknown client")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load client: %w", err)
	}
	if err := s.checkClientRedirect(ctx, client, req.RedirectURI, clientIP); err != nil {
		return "", err
	}
	if err := s.applyAuthorizationDefaults(&req); err != nil {
		return "", err
	}

	user, err := s.Authenticate(ctx, email, password, clientIP)
	if err != nil {
		if errors.Is(err, ErrLoginFailed) {
			if m := s.metrics(); m != nil {
				m.RecordLoginFailed(ctx, "authorize")
			}
		}
		return "", err
	}

	granted := util.IntersectScopes(util.SplitScope(req.Scope), user.Scopes)
	if len(granted) == 0 {
		if s.Config.EmptyScopeFallback == "" {
			return "", newError(ErrorCodeInvalidScope, "None of the requested scopes are granted to this user")
		}
		granted = util.SplitScope(s.Config.EmptyScopeFallback)
	}

	code, err := token.Opaque(authorizationCodeBytes)
	if err != nil {
		return "", err
	}
	now := s.now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               util.JoinScope(granted),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", user.ID,
		"scope", authCode.Scope,
		"code_prefix", util.SafeTruncate(code, 8))
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    user.ID,
		TenantID:  user.TenantID,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": authCode.Scope},
	})
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationCompleted(ctx, req.CodeChallengeMethod)
	}

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, params)
}

func (s *Server) checkClientRedirect(ctx context.Context, client *storage.Client, redirectURI, clientIP string) error {
	if !client.IsActive {
		return newError(ErrorCodeUnauthorizedClient, "Client is disabled")
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "redirect_uri_mismatch"},
		})
		return newError(ErrorCodeInvalidRequest, "Invalid redirect_uri for this client")
	}
	return nil
}

func (s *Server) applyAuthorizationDefaults(req *AuthorizationRequest) error {
	if req.CodeChallenge == "" {
		return newError(ErrorCodeInvalidRequest, "code_challenge is required (PKCE)")
	}
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = pkce.MethodS256
	}
	if !pkce.IsSupportedMethod(req.CodeChallengeMethod) {
		return newError(ErrorCodeInvalidRequest, "Unsupported code_challenge_method: %s", req.CodeChallengeMethod)
	}
	if req.Scope == "" {
		req.Scope = s.Config.DefaultRequestedScope
	}
	return nil
}

// appendQuery adds params to uri, keeping any query it already has.
func appendQuery(uri string, params url.Values) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
