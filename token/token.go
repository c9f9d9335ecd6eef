package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
)

const (
	// TypeAccessToken is the token_type discriminator of every access token.
	TypeAccessToken = "access_token"

	// DefaultAccessTokenTTL is used when Config.AccessTokenTTL is zero.
	DefaultAccessTokenTTL = 60 * time.Minute

	// DefaultRefreshTokenTTL is used when Config.RefreshTokenTTL is zero.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// secretBytes is the entropy of generated signing secrets and refresh tokens.
	secretBytes = 64
)

var (
	// ErrInvalidCredential is the single outcome of every failed access token
	// verification: malformed, expired, badly signed or of the wrong type.
	ErrInvalidCredential = errors.New("token: invalid credential")

	// ErrRefreshTokenNotFound is the single outcome of every failed refresh
	// token lookup: unknown, revoked or expired.
	ErrRefreshTokenNotFound = errors.New("token: refresh token not found")
)

// Config configures an Issuer.
type Config struct {
	// Secret is the HS256 signing secret. When empty it is generated once and
	// kept in the settings store.
	Secret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Leeway tolerates clock skew when checking exp and iat.
	// Zero selects security.DefaultClockSkewLeeway.
	Leeway time.Duration
}

// Claims are the claims of an access token.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Scopes returns the granted scope values.
func (c *Claims) Scopes() []string {
	return util.SplitScope(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// Issuer mints and verifies access and refresh tokens.
type Issuer struct {
	config        Config
	settings      storage.SettingsStore
	refreshTokens storage.RefreshTokenStore
	encryptor     *security.Encryptor
	metrics       *instrumentation.Metrics
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.RWMutex
	secret []byte
	group  singleflight.Group
}

// NewIssuer creates an Issuer. settings may be nil only when cfg.Secret is set.
func NewIssuer(cfg Config, settings storage.SettingsStore, refreshTokens storage.RefreshTokenStore, logger *slog.Logger) (*Issuer, error) {
	if refreshTokens == nil {
		return nil, errors.New("refresh token store is required")
	}
	if cfg.Secret == "" && settings == nil {
		return nil, errors.New("either a signing secret or a settings store is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = security.DefaultClockSkewLeeway
	}
	if logger == nil {
		logger = slog.Default()
	}

	i := &Issuer{
		config:        cfg,
		settings:      settings,
		refreshTokens: refreshTokens,
		logger:        logger,
		now:           time.Now,
	}
	if cfg.Secret != "" {
		i.secret = []byte(cfg.Secret)
	}
	return i, nil
}

// SetEncryptor seals a generated signing secret before it is stored.
func (i *Issuer) SetEncryptor(enc *security.Encryptor) {
	i.encryptor = enc
}

// SetInstrumentation records sealing and opening of the stored secret.
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		i.metrics = inst.Metrics()
	}
}

// SetClock replaces the time source.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// AccessTokenTTL returns the default access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.config.AccessTokenTTL
}

// signingKey returns the configured secret, or resolves the stored one. The
// in-memory copy only saves a round trip. Concurrent first calls collapse
// into one store write, and the store decides the winner across processes.
func (i *Issuer) signingKey(ctx context.Context) ([]byte, error) {
	i.mu.RLock()
	key := i.secret
	i.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	// Waiters share the result, so one caller's cancellation must not fail
	// the others.
	v, err, _ := i.group.Do(storage.SettingJWTSecret, func() (any, error) {
		return i.resolveSecret(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	key = v.([]byte)

	i.mu.Lock()
	i.secret = key
	i.mu.Unlock()
	return key, nil
}

func (i *Issuer) resolveSecret(ctx context.Context) ([]byte, error) {
	stored, err := i.settings.GetSetting(ctx, storage.SettingJWTSecret)
	if errors.Is(err, storage.ErrNotFound) {
		candidate, genErr := Opaque(secretBytes)
		if genErr != nil {
			return nil, genErr
		}
		start := time.Now()
		sealed, encErr := i.encryptor.Encrypt(candidate)
		i.recordEncryption(ctx, "encrypt", start)
		if encErr != nil {
			return nil, fmt.Errorf("failed to seal signing secret: %w", encErr)
		}
		stored, err = i.settings.PutSettingIfAbsent(ctx, storage.SettingJWTSecret, sealed)
		if err == nil && stored == sealed {
			i.logger.Info("Generated new token signing secret")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secret: %w", err)
	}

	start := time.Now()
	plain, err := i.encryptor.Decrypt(stored)
	i.recordEncryption(ctx, "decrypt", start)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing secret: %w", err)
	}
	if plain == "" {
		return nil, errors.New("stored signing secret is empty")
	}
	return []byte(plain), nil
}

func (i *Issuer) recordEncryption(ctx context.Context, operation string, start time.Time) {
	if i.metrics != nil && i.encryptor != nil {
		i.metrics.RecordEncryptionOperation(ctx, operation, float64(time.Since(start).Microseconds())/1000)
	}
}

// IssueAccessToken signs an access token. A zero ttl selects the configured
// default. The returned time is the token's expiry.
func (i *Issuer) IssueAccessToken(ctx context.Context, subject, tenantID string, scopes []string, clientID string, ttl time.Duration) (string, time.Time, error) {
	key, err := i.signingKey(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = i.config.AccessTokenTTL
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		TenantID:  tenantID,
		Scope:     util.JoinScope(scopes),
		ClientID:  clientID,
		TokenType: TypeAccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken checks signature, expiry and the token_type discriminator
// before returning any claim. Every failure is ErrInvalidCredential, except a
// failure to load the signing secret, which is returned as-is.
func (i *Issuer) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	key, err := i.signingKey(ctx)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.config.Leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		i.logger.Debug("Access token rejected", "error", err, "token_prefix", util.SafeTruncate(raw, 8))
		return nil, ErrInvalidCredential
	}
	if claims.TokenType != TypeAccessToken || claims.Subject == "" {
		i.logger.Debug("Access token rejected", "reason", "wrong token type", "token_type", claims.TokenType)
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// NewRefreshToken builds a refresh token record without storing it. A zero
// ttl selects the configured default.
func (i *Issuer) NewRefreshToken(subject, tenantID string, scopes []string, clientID string, ttl time.Duration) (string, *storage.RefreshToken, error) {
	secret, err := Opaque(secretBytes)
	if err != nil {
		return "", nil, err
	}
	if ttl <= 0 {
		ttl = i.config.RefreshTokenTTL
	}
	now := i.now()
	return secret, &storage.RefreshToken{
		TokenHash: HashRefreshToken(secret),
		ClientID:  clientID,
		UserID:    subject,
		TenantID:  tenantID,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IssueRefreshToken creates and stores a refresh token and returns the secret
// for the client together with the stored hash.
func (i *Issuer) IssueRefreshToken(ctx context.Context, subject, tenantID string, scopes []string, clientID string, ttl time.Duration) (string, string, error) {
	secret, record, err := i.NewRefreshToken(subject, tenantID, scopes, clientID, ttl)
	if err != nil {
		return "", "", err
	}
	if err := i.refreshTokens.SaveRefreshToken(ctx, record); err != nil {
		return "", "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return secret, record.TokenHash, nil
}

// VerifyRefreshToken returns the active record for secret, or
// ErrRefreshTokenNotFound when it is unknown, revoked or expired.
func (i *Issuer) VerifyRefreshToken(ctx context.Context, secret string) (*storage.RefreshToken, error) {
	if secret == "" {
		return nil, ErrRefreshTokenNotFound
	}
	record, err := i.refreshTokens.GetRefreshToken(ctx, HashRefreshToken(secret))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if record.RevokedAt != nil || !record.ExpiresAt.After(i.now()) {
		return nil, ErrRefreshTokenNotFound
	}
	return record, nil
}

// RotateRefreshToken atomically revokes the token identified by oldHash and
// stores its successor with the same subject, tenant, client and scopes. When
// another request rotated or revoked it first, ErrRefreshTokenNotFound is
// returned and nothing is written.
func (i *Issuer) RotateRefreshToken(ctx context.Context, old *storage.RefreshToken) (string, *storage.RefreshToken, error) {
	secret, next, err := i.NewRefreshToken(old.UserID, old.TenantID, old.Scopes, old.ClientID, 0)
	if err != nil {
		return "", nil, err
	}
	err = i.refreshTokens.RotateRefreshToken(ctx, old.TokenHash, next)
	if errors.Is(err, storage.ErrAlreadyConsumed) || errors.Is(err, storage.ErrNotFound) {
		return "", nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return secret, next, nil
}

// RevokeRefreshToken revokes the token for secret. Unknown and already
// revoked tokens are not an error.
func (i *Issuer) RevokeRefreshToken(ctx context.Context, secret string) error {
	err := i.refreshTokens.RevokeRefreshToken(ctx, HashRefreshToken(secret))
	if err == nil || errors.Is(err, storage.ErrAlreadyConsumed) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to revoke refresh token: %w", err)
}

// HashRefreshToken returns the hex SHA-256 digest under which a refresh token
// is stored.
func HashRefreshToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Opaque returns n random bytes encoded as unpadded base64url.
func Opaque(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
