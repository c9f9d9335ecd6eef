package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// User roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// DirectLoginClientID is the client_id stamped on tokens issued by DirectLogin.
const DirectLoginClientID = "direct_login"

// OwnerScopes are granted to the user created by Signup.
var OwnerScopes = []string{"read", "write", "admin"}

// dummyPasswordHash is compared against when the email is unknown so that
// the response time does not reveal which emails exist.
var dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("herald-timing-equalizer"), bcrypt.DefaultCost)

// SignupRequest creates a tenant together with its owner.
type SignupRequest struct {
	TenantName string
	Email      string
	Password   string
	Name       string
}

// NewUser describes a user to create inside an existing tenant.
type NewUser struct {
	TenantID string
	Email    string
	Password string
	Name     string
	Role     string
	Scopes   []string
}

// LoginResult is the outcome of DirectLogin.
type LoginResult struct {
	AccessToken string
	ExpiresIn   int64
	User        *storage.User
}

// Signup creates a tenant and its owner user.
func (s *Server) Signup(ctx context.Context, req SignupRequest) (*storage.Tenant, *storage.User, error) {
	if strings.TrimSpace(req.TenantName) == "" {
		return nil, nil, newError(ErrorCodeInvalidRequest, "tenant_name is required")
	}
	if err := s.validateCredentials(req.Email, req.Password); err != nil {
		return nil, nil, err
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, nil, fmt.Errorf("failed to generate slug suffix: %w", err)
	}
	tenant := &storage.Tenant{
		ID:        uuid.NewString(),
		Name:      req.TenantName,
		Slug:      util.Slugify(req.TenantName) + "-" + hex.EncodeToString(suffix),
		Email:     req.Email,
		CreatedAt: s.now(),
	}
	if err := s.userStore.CreateTenant(ctx, tenant); err != nil {
		return nil, nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	user, err := s.CreateUser(ctx, NewUser{
		TenantID: tenant.ID,
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     RoleOwner,
		Scopes:   OwnerScopes,
	})
	if err != nil {
		return nil, nil, err
	}
	user.TenantSlug = tenant.Slug
	user.TenantName = tenant.Name

	s.Logger.Info("Tenant signed up", "tenant_id", tenant.ID, "slug", tenant.Slug)
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventSignup,
		UserID:   user.ID,
		TenantID: tenant.ID,
	})
	return tenant, user, nil
}

// CreateUser adds a user to an existing tenant. A duplicate email within the
// tenant is returned as storage.ErrConflict.
func (s *Server) CreateUser(ctx context.Context, req NewUser) (*storage.User, error) {
	if err := s.validateCredentials(req.Email, req.Password); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = RoleMember
	}
	if len(req.Scopes) == 0 {
		req.Scopes = s.Config.DefaultUserScopes
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.Config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Role:         req.Role,
		Scopes:       req.Scopes,
		IsActive:     true,
		CreatedAt:    s.now(),
	}
	if err := s.userStore.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.Logger.Info("Created user", "user_id", user.ID, "tenant_id", user.TenantID, "role", user.Role)
	return user, nil
}

func (s *Server) validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return newError(ErrorCodeInvalidRequest, "email is required")
	}
	if len(password) < s.Config.MinPasswordLength {
		return newError(ErrorCodeInvalidRequest, "password must be at least %d characters", s.Config.MinPasswordLength)
	}
	return nil
}

// Authenticate checks an email/password pair and stamps the login time.
// Every failure is ErrLoginFailed.
func (s *Server) Authenticate(ctx context.Context, email, password, clientIP string) (*storage.User, error) {
	user, err := s.userStore.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if user == nil {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		s.Auditor.LogAuthFailure(ctx, email, "", clientIP, "unknown_email")
		return nil, ErrLoginFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.Auditor.LogAuthFailure(ctx, user.ID, "", clientIP, "invalid_password")
		return nil, ErrLoginFailed
	}
	if !user.IsActive {
		s.Auditor.LogAuthFailure(ctx, user.ID, "", clientIP, "user_inactive")
		return nil, ErrLoginFailed
	}

	now := s.now()
	if err := s.userStore.RecordLogin(ctx, user.ID, now); err != nil {
		s.Logger.Warn("Failed to record login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventLoginSuccess,
		UserID:    user.ID,
		TenantID:  user.TenantID,
		IPAddress: clientIP,
	})
	return user, nil
}

// DirectLogin authenticates a user and issues an access token without an
// OAuth client. No refresh token is issued.
func (s *Server) DirectLogin(ctx context.Context, email, password, clientIP string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, newError(ErrorCodeInvalidRequest, "email and password are required")
	}
	user, err := s.Authenticate(ctx, email, password, clientIP)
	if err != nil {
		if errors.Is(err, ErrLoginFailed) {
			if m := s.metrics(); m != nil {
				m.RecordLoginFailed(ctx, "direct")
			}
		}
		return nil, err
	}

	ttl := s.tokens.AccessTokenTTL()
	accessToken, _, err := s.tokens.IssueAccessToken(ctx, user.ID, user.TenantID, user.Scopes, DirectLoginClientID, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	s.Auditor.LogTokenIssued(ctx, user.ID, DirectLoginClientID, clientIP, "password", util.JoinScope(user.Scopes))
	return &LoginResult{
		AccessToken: accessToken,
		ExpiresIn:   int64(ttl / time.Second),
		User:        user,
	}, nil
}

// UserInfo returns the user an access token was issued to.
func (s *Server) UserInfo(ctx context.Context, claims *token.Claims) (*storage.User, error) {
	return s.userStore.GetUser(ctx, claims.Subject)
}
