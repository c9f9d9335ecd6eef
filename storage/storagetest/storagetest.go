// Package storagetest provides the behavioural test suite shared by every
// storage.Store implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/storage"
)

// Factory returns a fresh, empty store. The suite never closes it; register
// cleanup with t.Cleanup inside the factory.
type Factory func(t *testing.T) storage.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("ConcurrentCodeConsume", func(t *testing.T) { testConcurrentCodeConsume(t, newStore(t)) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("ConcurrentRotation", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("TenantsAndUsers", func(t *testing.T) { testTenantsAndUsers(t, newStore(t)) })
	t.Run("Buckets", func(t *testing.T) { testBuckets(t, newStore(t)) })
}

// SeedUser creates a tenant and one member user in it and returns both.
func SeedUser(t *testing.T, s storage.UserStore, email string) (*storage.Tenant, *storage.User) {
	t.Helper()
	ctx := context.Background()

	tenant := &storage.Tenant{
		ID:   uuid.NewString(),
		Name: "Tenant " + email,
		Slug: "tenant-" + uuid.NewString()[:8],
	}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	user := &storage.User{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		Email:        email,
		PasswordHash: "$2a$10$placeholder",
		Name:         "Test User",
		Role:         "member",
		Scopes:       []string{"read", "write"},
		IsActive:     true,
	}
	require.NoError(t, s.CreateUser(ctx, user))
	return tenant, user
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	client := &storage.Client{
		ClientID:                "herald_abc",
		ClientSecretHash:        "hash",
		ClientName:              "Test",
		RedirectURIs:            []string{"https://app.example/cb", "http://localhost:3000/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		Scope:                   "read write",
		IsActive:                true,
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "herald_abc")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, "client_secret_basic", got.TokenEndpointAuthMethod)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsPublic())

	got.RedirectURIs[0] = "mutated"
	again, err := s.GetClient(ctx, "herald_abc")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/cb", again.RedirectURIs[0], "returned client must be a copy")

	err = s.SaveClient(ctx, client)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetClientActive(ctx, "herald_abc", false))
	got, err = s.GetClient(ctx, "herald_abc")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func newCode(code string, ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now().UTC()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "herald_abc",
		UserID:              uuid.NewString(),
		RedirectURI:         "https://app.example/cb",
		Scope:               "read write",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("code-1", 10*time.Minute)))

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.Nil(t, got.UsedAt)

	require.NoError(t, s.ConsumeAuthorizationCode(ctx, "code-1"))
	assert.ErrorIs(t, s.ConsumeAuthorizationCode(ctx, "code-1"), storage.ErrAlreadyConsumed)

	got, err = s.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.NotNil(t, got.UsedAt, "used code must still be readable with used_at set")

	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("code-expired", -time.Second)))
	assert.ErrorIs(t, s.ConsumeAuthorizationCode(ctx, "code-expired"), storage.ErrAlreadyConsumed)

	assert.ErrorIs(t, s.ConsumeAuthorizationCode(ctx, "missing"), storage.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentCodeConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("race", 10*time.Minute)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ConsumeAuthorizationCode(ctx, "race") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one consumer must win")
}

func newRefresh(hash string, ttl time.Duration) *storage.RefreshToken {
	now := time.Now().UTC()
	return &storage.RefreshToken{
		TokenHash: hash,
		ClientID:  "herald_abc",
		UserID:    "user-1",
		TenantID:  "tenant-1",
		Scopes:    []string{"read", "write"},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func testRefreshTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveRefreshToken(ctx, newRefresh("h1", time.Hour)))
	got, err := s.GetRefreshToken(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Nil(t, got.RevokedAt)

	require.NoError(t, s.RotateRefreshToken(ctx, "h1", newRefresh("h2", time.Hour)))

	old, err := s.GetRefreshToken(ctx, "h1")
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)

	_, err = s.GetRefreshToken(ctx, "h2")
	require.NoError(t, err)

	// the old token is no longer active, so nothing is inserted
	err = s.RotateRefreshToken(ctx, "h1", newRefresh("h3", time.Hour))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	_, err = s.GetRefreshToken(ctx, "h3")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.RevokeRefreshToken(ctx, "h2"))
	assert.ErrorIs(t, s.RevokeRefreshToken(ctx, "h2"), storage.ErrAlreadyConsumed)
	assert.ErrorIs(t, s.RevokeRefreshToken(ctx, "unknown"), storage.ErrAlreadyConsumed)

	require.NoError(t, s.SaveRefreshToken(ctx, newRefresh("expired", -time.Minute)))
	err = s.RotateRefreshToken(ctx, "expired", newRefresh("h4", time.Hour))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
}

func testConcurrentRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRefreshToken(ctx, newRefresh("origin", time.Hour)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.RotateRefreshToken(ctx, "origin", newRefresh(fmt.Sprintf("next-%d", i), time.Hour)) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
}

func testSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	session := &storage.Session{
		SessionID:      "sess-1",
		UserID:         "user-1",
		TenantID:       "tenant-1",
		ClientInfo:     json.RawMessage(`{"name":"claude","version":"1.0"}`),
		Capabilities:   json.RawMessage(`{}`),
		CreatedAt:      now,
		ExpiresAt:      now.Add(24 * time.Hour),
		LastActivityAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.JSONEq(t, `{"name":"claude","version":"1.0"}`, string(got.ClientInfo))

	later := now.Add(time.Minute)
	require.NoError(t, s.TouchSession(ctx, "sess-1", later))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastActivityAt, time.Millisecond)

	expired := *session
	expired.SessionID = "sess-expired"
	expired.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, s.CreateSession(ctx, &expired))
	_, err = s.GetSession(ctx, "sess-expired")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.TouchSession(ctx, "sess-expired", later), storage.ErrNotFound)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSettings(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetSetting(ctx, storage.SettingJWTSecret)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	v, err := s.PutSettingIfAbsent(ctx, storage.SettingJWTSecret, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = s.PutSettingIfAbsent(ctx, storage.SettingJWTSecret, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", v, "existing value must win")

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.PutSettingIfAbsent(ctx, "race", fmt.Sprintf("v%d", i))
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, results[0], r, "all racers must observe the same stored value")
	}
}

func testTenantsAndUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()

	tenant, user := SeedUser(t, s, "alice@example.com")

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Slug, got.TenantSlug)
	assert.Equal(t, tenant.Name, got.TenantName)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Nil(t, got.LastLoginAt)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	dup := *user
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateUser(ctx, &dup), storage.ErrConflict, "email is unique inside a tenant")

	dupTenant := *tenant
	dupTenant.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateTenant(ctx, &dupTenant), storage.ErrConflict, "slug is unique")

	// the same email in another tenant is allowed
	SeedUser(t, s, "bob@example.com")
	_, other := SeedUser(t, s, "carol@example.com")
	assert.NotEqual(t, user.ID, other.ID)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.RecordLogin(ctx, user.ID, at))
	got, err = s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	assert.WithinDuration(t, at, *got.LastLoginAt, time.Millisecond)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	gotTenant, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Slug, gotTenant.Slug)
}

func testBuckets(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant, user := SeedUser(t, s, "dana@example.com")

	mk := func(name string, isDefault, enabled bool) *storage.Bucket {
		b := &storage.Bucket{
			ID:         uuid.NewString(),
			TenantID:   tenant.ID,
			Name:       name,
			BucketName: "s3-" + name,
			Region:     "us-east-1",
			Prefix:     "herald",
			IsDefault:  isDefault,
			Enabled:    enabled,
		}
		require.NoError(t, s.CreateBucket(ctx, b))
		return b
	}

	first := mk("reports", true, true)
	zeta := mk("zeta", false, true)
	alpha := mk("alpha", false, true)
	disabled := mk("disabled", false, false)
	expired := mk("expired", false, true)
	mk("ungranted", false, true)
	// a later default takes the flag away from "reports"
	primary := mk("primary", true, true)

	past := time.Now().Add(-time.Hour)
	for _, b := range []*storage.Bucket{first, zeta, alpha, disabled, primary} {
		require.NoError(t, s.GrantBucketAccess(ctx, &storage.BucketGrant{
			ID:          uuid.NewString(),
			BucketID:    b.ID,
			UserID:      user.ID,
			Permissions: []string{"read"},
		}))
	}
	require.NoError(t, s.GrantBucketAccess(ctx, &storage.BucketGrant{
		ID:          uuid.NewString(),
		BucketID:    expired.ID,
		UserID:      user.ID,
		Permissions: []string{"read"},
		ExpiresAt:   &past,
	}))

	// upsert replaces permissions
	require.NoError(t, s.GrantBucketAccess(ctx, &storage.BucketGrant{
		ID:                uuid.NewString(),
		BucketID:          alpha.ID,
		UserID:            user.ID,
		Permissions:       []string{"read", "write", "delete"},
		PrefixRestriction: "team-a",
	}))

	list, err := s.ListAccessibleBuckets(ctx, tenant.ID, user.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, b := range list {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"primary", "alpha", "reports", "zeta"}, names)

	def, err := s.GetAccessibleBucket(ctx, tenant.ID, user.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", def.Name)

	byName, err := s.GetAccessibleBucket(ctx, tenant.ID, user.ID, "alpha")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"read", "write", "delete"}, byName.Permissions)
	assert.Equal(t, "team-a", byName.PrefixRestriction)
	assert.Equal(t, "s3-alpha", byName.BucketName)

	for _, name := range []string{"disabled", "expired", "ungranted", "nope"} {
		_, err := s.GetAccessibleBucket(ctx, tenant.ID, user.ID, name)
		assert.ErrorIs(t, err, storage.ErrNotFound, name)
	}

	_, stranger := SeedUser(t, s, "eve@example.com")
	_, err = s.GetAccessibleBucket(ctx, tenant.ID, stranger.ID, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for i, key := range []string{"herald/a.txt", "herald/b.txt"} {
		require.NoError(t, s.RecordUpload(ctx, &storage.FileUpload{
			ID:           uuid.NewString(),
			TenantID:     tenant.ID,
			BucketID:     primary.ID,
			UserID:       user.ID,
			FileKey:      key,
			FileName:     key,
			FileSize:     int64(10 * (i + 1)),
			ContentType:  "text/plain",
			UploadMethod: "direct",
			Metadata:     map[string]any{"n": float64(i)},
			CreatedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	uploads, err := s.ListUploads(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, "herald/b.txt", uploads[0].FileKey, "newest first")
	assert.Equal(t, float64(1), uploads[0].Metadata["n"])
}
