package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/storage/memory"
)

func newTestIssuer(t *testing.T, cfg Config) (*Issuer, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	issuer, err := NewIssuer(cfg, store, store, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer, store
}

func TestNewIssuer_Validation(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := NewIssuer(Config{}, store, nil, nil); err == nil {
		t.Error("expected error without refresh token store")
	}
	if _, err := NewIssuer(Config{}, nil, store, nil); err == nil {
		t.Error("expected error without secret and settings store")
	}
	if _, err := NewIssuer(Config{Secret: "s3cret"}, nil, store, nil); err != nil {
		t.Errorf("configured secret needs no settings store: %v", err)
	}
}

func TestIssuer_AccessTokenRoundTrip(t *testing.T) {
	issuer, _ := newTestIssuer(t, Config{Secret: "test-secret"})
	ctx := context.Background()

	raw, expiresAt, err := issuer.IssueAccessToken(ctx, "user-1", "tenant-1", []string{"read", "write"}, "client-1", 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if d := time.Until(expiresAt); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("default TTL gives expiry in %v, want ~60m", d)
	}

	claims, err := issuer.VerifyAccessToken(ctx, raw)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "tenant-1" || claims.ClientID != "client-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", claims.Scope, "read write")
	}
	if !claims.HasScope("write") || claims.HasScope("admin") {
		t.Errorf("HasScope mismatch for %q", claims.Scope)
	}
	if claims.TokenType != TypeAccessToken {
		t.Errorf("TokenType = %q", claims.TokenType)
	}
}

func signRaw(t *testing.T, key string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	var signKey any = []byte(key)
	if method == jwt.SigningMethodNone {
		signKey = jwt.UnsafeAllowNoneSignatureType
	}
	raw, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

func TestIssuer_VerifyRejects(t *testing.T) {
	const secret = "test-secret"
	issuer, _ := newTestIssuer(t, Config{Secret: secret})
	ctx := context.Background()
	now := time.Now()

	valid := func(tokenType string) *Claims {
		return &Claims{
			TenantID:  "tenant-1",
			Scope:     "read",
			ClientID:  "client-1",
			TokenType: tokenType,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := valid(TypeAccessToken)
	expired.IssuedAt = jwt.NewNumericDate(now.Add(-2 * time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))

	noExpiry := valid(TypeAccessToken)
	noExpiry.ExpiresAt = nil

	refreshSecret, _, err := issuer.IssueRefreshToken(ctx, "user-1", "tenant-1", []string{"read"}, "client-1", 0)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"refresh token secret", refreshSecret},
		{"wrong token type", signRaw(t, secret, jwt.SigningMethodHS256, valid("refresh_token"))},
		{"missing token type", signRaw(t, secret, jwt.SigningMethodHS256, valid(""))},
		{"wrong secret", signRaw(t, "other-secret", jwt.SigningMethodHS256, valid(TypeAccessToken))},
		{"wrong algorithm", signRaw(t, secret, jwt.SigningMethodHS512, valid(TypeAccessToken))},
		{"alg none", signRaw(t, secret, jwt.SigningMethodNone, valid(TypeAccessToken))},
		{"expired", signRaw(t, secret, jwt.SigningMethodHS256, expired)},
		{"no expiry", signRaw(t, secret, jwt.SigningMethodHS256, noExpiry)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.VerifyAccessToken(ctx, tt.raw)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("VerifyAccessToken() error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestIssuer_ExpiryUsesClock(t *testing.T) {
	issuer, _ := newTestIssuer(t, Config{Secret: "s", Leeway: time.Second})
	ctx := context.Background()
	base := time.Now()
	issuer.SetClock(func() time.Time { return base })

	raw, _, err := issuer.IssueAccessToken(ctx, "u", "t", []string{"read"}, "c", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if _, err := issuer.VerifyAccessToken(ctx, raw); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	issuer.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := issuer.VerifyAccessToken(ctx, raw); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expired token error = %v, want ErrInvalidCredential", err)
	}
}

func TestIssuer_GeneratedSecretIsShared(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	ctx := context.Background()

	const replicas = 8
	issuers := make([]*Issuer, replicas)
	for i := range issuers {
		var err error
		issuers[i], err = NewIssuer(Config{}, store, store, nil)
		if err != nil {
			t.Fatalf("NewIssuer() error = %v", err)
		}
	}

	tokens := make([]string, replicas)
	var wg sync.WaitGroup
	for i := range issuers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _, err := issuers[i].IssueAccessToken(ctx, "u", "t", []string{"read"}, "c", 0)
			if err != nil {
				t.Errorf("IssueAccessToken() error = %v", err)
				return
			}
			tokens[i] = raw
		}(i)
	}
	wg.Wait()

	// every replica must accept every other replica's tokens
	for i, raw := range tokens {
		for j, verifier := range issuers {
			if _, err := verifier.VerifyAccessToken(ctx, raw); err != nil {
				t.Errorf("token from replica %d rejected by replica %d: %v", i, j, err)
			}
		}
	}

	stored, err := store.GetSetting(ctx, storage.SettingJWTSecret)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if len(stored) < 64 {
		t.Errorf("generated secret too short: %d chars", len(stored))
	}
}

// gatedSettings holds the first secret lookup until release is closed and
// records the state of the context it was given.
type gatedSettings struct {
	*memory.Store
	once      sync.Once
	entered   chan struct{}
	release   chan struct{}
	lookupErr error
}

func (g *gatedSettings) GetSetting(ctx context.Context, key string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	g.lookupErr = ctx.Err()
	return g.Store.GetSetting(ctx, key)
}

func TestIssuer_SecretLookupSurvivesCallerCancellation(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	settings := &gatedSettings{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	issuer, err := NewIssuer(Config{}, settings, store, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := issuer.IssueAccessToken(ctx, "u", "t", []string{"read"}, "c", 0)
		done <- err
	}()

	<-settings.entered
	cancel()
	close(settings.release)

	if err := <-done; err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if settings.lookupErr != nil {
		t.Errorf("secret lookup saw a cancelled context: %v", settings.lookupErr)
	}
	if _, err := issuer.VerifyAccessToken(context.Background(), mustIssue(t, issuer)); err != nil {
		t.Errorf("VerifyAccessToken() error = %v", err)
	}
}

func mustIssue(t *testing.T, issuer *Issuer) string {
	t.Helper()
	raw, _, err := issuer.IssueAccessToken(context.Background(), "u", "t", []string{"read"}, "c", 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	return raw
}

func TestIssuer_GeneratedSecretEncrypted(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	issuer, store := newTestIssuer(t, Config{})
	issuer.SetEncryptor(enc)
	issuer.SetInstrumentation(inst)
	ctx := context.Background()

	raw, _, err := issuer.IssueAccessToken(ctx, "u", "t", nil, "c", 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	stored, _ := store.GetSetting(ctx, storage.SettingJWTSecret)
	if !security.IsEncrypted(stored) {
		t.Fatalf("stored secret is not sealed: %q", stored)
	}

	// a second process with the same key opens the sealed secret
	other, err := NewIssuer(Config{}, store, store, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	other.SetEncryptor(enc)
	if _, err := other.VerifyAccessToken(ctx, raw); err != nil {
		t.Errorf("VerifyAccessToken() on second issuer error = %v", err)
	}

	// without the key the secret cannot be loaded and that is not a credential error
	blind, _ := NewIssuer(Config{}, store, store, nil)
	if _, err := blind.VerifyAccessToken(ctx, raw); err == nil || errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected a secret loading error, got %v", err)
	}
}

func TestIssuer_RefreshTokens(t *testing.T) {
	issuer, store := newTestIssuer(t, Config{Secret: "s"})
	ctx := context.Background()

	secret, hash, err := issuer.IssueRefreshToken(ctx, "user-1", "tenant-1", []string{"read", "write"}, "client-1", 0)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	if hash != HashRefreshToken(secret) || strings.Contains(hash, secret) {
		t.Fatal("stored hash must be the SHA-256 of the secret")
	}
	if _, err := store.GetRefreshToken(ctx, secret); !errors.Is(err, storage.ErrNotFound) {
		t.Error("the raw secret must never be stored")
	}

	record, err := issuer.VerifyRefreshToken(ctx, secret)
	if err != nil {
		t.Fatalf("VerifyRefreshToken() error = %v", err)
	}
	if d := time.Until(record.ExpiresAt); d < 29*24*time.Hour {
		t.Errorf("default refresh TTL too short: %v", d)
	}

	nextSecret, next, err := issuer.RotateRefreshToken(ctx, record)
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if next.UserID != "user-1" || next.ClientID != "client-1" || strings.Join(next.Scopes, " ") != "read write" {
		t.Errorf("rotation changed the grant: %+v", next)
	}

	if _, err := issuer.VerifyRefreshToken(ctx, secret); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("rotated token still valid: %v", err)
	}
	if _, _, err := issuer.RotateRefreshToken(ctx, record); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("second rotation error = %v, want ErrRefreshTokenNotFound", err)
	}
	if _, err := issuer.VerifyRefreshToken(ctx, nextSecret); err != nil {
		t.Errorf("successor rejected: %v", err)
	}

	if err := issuer.RevokeRefreshToken(ctx, nextSecret); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if err := issuer.RevokeRefreshToken(ctx, nextSecret); err != nil {
		t.Errorf("revocation must be idempotent: %v", err)
	}
	if err := issuer.RevokeRefreshToken(ctx, "unknown"); err != nil {
		t.Errorf("revoking an unknown token must not fail: %v", err)
	}
	if _, err := issuer.VerifyRefreshToken(ctx, nextSecret); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("revoked token still valid: %v", err)
	}
}

func TestIssuer_RefreshTokenExpiry(t *testing.T) {
	issuer, _ := newTestIssuer(t, Config{Secret: "s"})
	ctx := context.Background()

	secret, _, err := issuer.IssueRefreshToken(ctx, "u", "t", []string{"read"}, "c", time.Minute)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	issuer.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	if _, err := issuer.VerifyRefreshToken(ctx, secret); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("expired refresh token error = %v, want ErrRefreshTokenNotFound", err)
	}
	if _, err := issuer.VerifyRefreshToken(ctx, ""); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("empty refresh token error = %v", err)
	}
}

func TestOpaque(t *testing.T) {
	a, err := Opaque(32)
	if err != nil {
		t.Fatalf("Opaque() error = %v", err)
	}
	b, _ := Opaque(32)
	if a == b {
		t.Error("Opaque() returned the same value twice")
	}
	if len(a) != 43 {
		t.Errorf("len = %d, want 43", len(a))
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("Opaque() is not URL-safe: %q", a)
	}
}
