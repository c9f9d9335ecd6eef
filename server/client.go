package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant and response types accepted at registration.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// ClientIDPrefix starts every generated client_id.
const ClientIDPrefix = "herald_"

var (
	SupportedGrantTypes       = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	SupportedResponseTypes    = []string{ResponseTypeCode}
	SupportedTokenAuthMethods = []string{TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost, TokenEndpointAuthMethodNone}
)

// RegistrationRequest is the client metadata of a registration (RFC 7591).
// Empty fields take their defaults.
type RegistrationRequest struct {
	ClientID                string
	ClientName              string
	ClientURI               string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
	TenantID                string
}

// RegisterClient validates the metadata and stores a new client.
// For every auth method other than "none" a secret is generated; it is
// returned here once and only its bcrypt hash is kept.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	return s.registerClient(ctx, req, clientIP, false)
}

func (s *Server) registerClient(ctx context.Context, req RegistrationRequest, clientIP string, auto bool) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.RegisterClient")
	defer span.End()

	if err := s.validateRegistration(&req); err != nil {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventClientRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return nil, "", err
	}

	clientID := req.ClientID
	if clientID == "" {
		id, err := token.Opaque(16)
		if err != nil {
			return nil, "", err
		}
		clientID = ClientIDPrefix + id
	}

	var secret, secretHash string
	if req.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		var err error
		secret, secretHash, err = s.generateClientSecret()
		if err != nil {
			return nil, "", err
		}
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
		TenantID:                req.TenantID,
		IsActive:                true,
		CreatedAt:               s.now(),
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, "", newError(ErrorCodeInvalidClientMetadata, "client_id %q is already registered", clientID)
		}
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := clientTypeOf(client)
	s.Logger.Info("Registered new OAuth client",
		"client_id", clientID,
		"client_name", req.ClientName,
		"client_type", clientType,
		"auto", auto)
	s.Auditor.LogClientRegistered(ctx, clientID, clientType, clientIP, auto)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType, auto)
	}
	return client, secret, nil
}

// validateRegistration applies defaults to req and checks it against the
// supported values.
func (s *Server) validateRegistration(req *RegistrationRequest) error {
	if req.ClientName == "" {
		return newError(ErrorCodeInvalidClientMetadata, "client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return newError(ErrorCodeInvalidRedirectURI, "redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{ResponseTypeCode}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
	}
	if req.Scope == "" {
		req.Scope = s.Config.DefaultClientScope
	}

	for _, gt := range req.GrantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return newError(ErrorCodeInvalidClientMetadata, "Unsupported grant_type: %s", gt)
		}
	}
	for _, rt := range req.ResponseTypes {
		if !slices.Contains(SupportedResponseTypes, rt) {
			return newError(ErrorCodeInvalidClientMetadata, "Unsupported response_type: %s", rt)
		}
	}
	if !slices.Contains(SupportedTokenAuthMethods, req.TokenEndpointAuthMethod) {
		return newError(ErrorCodeInvalidClientMetadata, "Unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod)
	}
	return nil
}

func (s *Server) generateClientSecret() (string, string, error) {
	secret, err := token.Opaque(32)
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Config.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

// GetClient returns the client or storage.ErrNotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// VerifyClientSecret reports whether secret belongs to an active confidential
// client. Missing, inactive and public clients never verify.
func (s *Server) VerifyClientSecret(ctx context.Context, clientID, secret string) (bool, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checkClientSecret(client, secret), nil
}

func checkClientSecret(client *storage.Client, secret string) bool {
	if !client.IsActive || client.IsPublic() || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) == nil
}

// ValidateRedirectURI reports whether uri is registered for the client.
// Matching is exact string equality.
func (s *Server) ValidateRedirectURI(ctx context.Context, clientID, uri string) (bool, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return slices.Contains(client.RedirectURIs, uri), nil
}

// IsAllowedAutoRegisterURI reports whether redirectURI's host is one of the
// configured JIT domains or a subdomain of one.
func (s *Server) IsAllowedAutoRegisterURI(redirectURI string) bool {
	if s.Config.DisableAutoRegistration {
		return false
	}
	u, err := url.Parse(redirectURI)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range s.Config.AllowedAutoRegisterDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// autoRegisterClient registers a public client bound to redirectURI. When
// clientID is empty one is generated.
func (s *Server) autoRegisterClient(ctx context.Context, clientID, redirectURI, clientIP string) (*storage.Client, error) {
	client, _, err := s.registerClient(ctx, RegistrationRequest{
		ClientID:                clientID,
		ClientName:              "Auto-registered: " + util.SafeTruncate(redirectURI, 50),
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, clientIP, true)
	return client, err
}

func clientTypeOf(c *storage.Client) string {
	if c.IsPublic() {
		return ClientTypePublic
	}
	return ClientTypeConfidential
}
