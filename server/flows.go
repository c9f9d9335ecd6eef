package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/pkce"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// TokenTypeBearer is the token_type of every token response.
const TokenTypeBearer = "Bearer"

// TokenRequest carries the parameters of a token endpoint request after
// client credentials have been extracted from the Basic header or the body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 section 5.1 response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeToken dispatches a token request by grant type.
func (s *Server) ExchangeToken(ctx context.Context, req TokenRequest, clientIP string) (*TokenResponse, error) {
	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		resp, err = s.ExchangeAuthorizationCode(ctx, req, clientIP)
	case GrantTypeRefreshToken:
		resp, err = s.RefreshAccessToken(ctx, req, clientIP)
	default:
		return nil, newError(ErrorCodeUnsupportedGrantType, "Grant type '%s' is not supported", req.GrantType)
	}
	if err != nil {
		if m := s.metrics(); m != nil {
			code := ErrorCodeServerError
			if oe, ok := AsError(err); ok {
				code = oe.Code
			}
			m.RecordGrantFailed(ctx, req.GrantType, code)
		}
	}
	return resp, err
}

// ExchangeAuthorizationCode redeems an authorization code for an access and
// refresh token pair carrying the code's scope. Every code check collapses to
// the same invalid_grant error; the reason is logged.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	if req.Code == "" {
		return nil, newError(ErrorCodeInvalidRequest, "code is required")
	}
	if req.CodeVerifier == "" {
		return nil, newError(ErrorCodeInvalidRequest, "code_verifier is required (PKCE)")
	}

	authCode, err := s.flowStore.GetAuthorizationCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, s.codeRejected(ctx, req, clientIP, "", "unknown_code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	if security.IsExpiredAt(authCode.ExpiresAt, s.now()) {
		return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "code_expired")
	}
	if authCode.UsedAt != nil {
		s.reportCodeReuse(ctx, authCode, clientIP)
		return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "code_already_used")
	}
	if authCode.ClientID != req.ClientID {
		return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "client_id_mismatch")
	}
	if req.RedirectURI != "" && authCode.RedirectURI != req.RedirectURI {
		return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "redirect_uri_mismatch")
	}

	ok, err := pkce.Verify(req.CodeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod)
	if err != nil || !ok {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    authCode.UserID,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"method": authCode.CodeChallengeMethod},
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "pkce_verification_failed")
	}

	if err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, clientIP); err != nil {
		return nil, err
	}

	user, err := s.activeUser(ctx, authCode.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "user_not_found")
		}
		return nil, err
	}

	if err := s.flowStore.ConsumeAuthorizationCode(ctx, req.Code); err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) || errors.Is(err, storage.ErrNotFound) {
			s.reportCodeReuse(ctx, authCode, clientIP)
			return nil, s.codeRejected(ctx, req, clientIP, authCode.UserID, "code_consumed_concurrently")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	scopes := util.SplitScope(authCode.Scope)
	resp, err := s.issueTokenPair(ctx, user.ID, user.TenantID, scopes, req.ClientID)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(ctx, user.ID, req.ClientID, clientIP, GrantTypeAuthorizationCode, authCode.Scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, authCode.CodeChallengeMethod)
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// RefreshAccessToken rotates a refresh token and issues a new pair with the
// same scopes. The presented token is revoked in the same step that stores
// its successor, so a token can be redeemed at most once.
func (s *Server) RefreshAccessToken(ctx context.Context, req TokenRequest, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.RefreshAccessToken")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	if req.RefreshToken == "" {
		return nil, newError(ErrorCodeInvalidRequest, "refresh_token is required")
	}

	record, err := s.tokens.VerifyRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, token.ErrRefreshTokenNotFound) {
		s.Auditor.LogAuthFailure(ctx, "", req.ClientID, clientIP, "invalid_refresh_token")
		return nil, invalidGrant()
	}
	if err != nil {
		return nil, err
	}
	if record.ClientID != req.ClientID {
		s.Logger.Debug("Refresh token rejected",
			"reason", "client_id_mismatch",
			"client_id", req.ClientID)
		s.Auditor.LogAuthFailure(ctx, record.UserID, req.ClientID, clientIP, "client_id_mismatch")
		return nil, invalidGrant()
	}

	if err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, clientIP); err != nil {
		return nil, err
	}

	user, err := s.activeUser(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure(ctx, record.UserID, req.ClientID, clientIP, "user_not_found")
			return nil, invalidGrant()
		}
		return nil, err
	}

	refreshSecret, _, err := s.tokens.RotateRefreshToken(ctx, record)
	if errors.Is(err, token.ErrRefreshTokenNotFound) {
		s.Logger.Warn("Refresh token redeemed concurrently",
			"user_id", record.UserID,
			"client_id", req.ClientID)
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventRefreshTokenReuse,
			UserID:    record.UserID,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
		})
		if m := s.metrics(); m != nil {
			m.RecordTokenReuseDetected(ctx)
		}
		return nil, invalidGrant()
	}
	if err != nil {
		return nil, err
	}

	ttl := s.tokens.AccessTokenTTL()
	accessToken, _, err := s.tokens.IssueAccessToken(ctx, user.ID, record.TenantID, record.Scopes, req.ClientID, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	scope := util.JoinScope(record.Scopes)
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventTokenRefreshed,
		UserID:    user.ID,
		TenantID:  record.TenantID,
		ClientID:  req.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": scope},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx)
	}
	instrumentation.SetSpanSuccess(span)
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(ttl / time.Second),
		RefreshToken: refreshSecret,
		Scope:        scope,
	}, nil
}

// authenticateClient requires an active client and, when it holds a secret,
// a matching secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret, clientIP string) error {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.Auditor.LogAuthFailure(ctx, "", clientID, clientIP, "unknown_client")
		return newError(ErrorCodeInvalidClient, "Invalid client credentials")
	}
	if err != nil {
		return fmt.Errorf("failed to load client: %w", err)
	}
	if !client.IsActive {
		s.Auditor.LogAuthFailure(ctx, "", clientID, clientIP, "client_inactive")
		return newError(ErrorCodeInvalidClient, "Invalid client credentials")
	}
	if client.IsPublic() {
		return nil
	}
	if !checkClientSecret(client, secret) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventInvalidClientSecret,
			ClientID:  clientID,
			IPAddress: clientIP,
		})
		return newError(ErrorCodeInvalidClient, "Invalid client credentials")
	}
	return nil
}

func (s *Server) activeUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := s.userStore.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

func (s *Server) issueTokenPair(ctx context.Context, userID, tenantID string, scopes []string, clientID string) (*TokenResponse, error) {
	ttl := s.tokens.AccessTokenTTL()
	accessToken, _, err := s.tokens.IssueAccessToken(ctx, userID, tenantID, scopes, clientID, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshSecret, _, err := s.tokens.IssueRefreshToken(ctx, userID, tenantID, scopes, clientID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(ttl / time.Second),
		RefreshToken: refreshSecret,
		Scope:        util.JoinScope(scopes),
	}, nil
}

func (s *Server) codeRejected(ctx context.Context, req TokenRequest, clientIP, userID, reason string) error {
	s.Logger.Debug("Authorization code validation failed",
		"reason", reason,
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, 8))
	s.Auditor.LogAuthFailure(ctx, userID, req.ClientID, clientIP, reason)
	return invalidGrant()
}

func (s *Server) reportCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, clientIP string) {
	s.Logger.Warn("Authorization code reuse detected",
		"user_id", authCode.UserID,
		"client_id", authCode.ClientID)
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventCodeReuseDetected,
		UserID:    authCode.UserID,
		ClientID:  authCode.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"severity": "critical"},
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
}
