package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test:"), mr
}

func TestStore_SessionLifecycle(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := &storage.Session{
		SessionID:      "sess-1",
		UserID:         "user-1",
		TenantID:       "tenant-1",
		ClientInfo:     json.RawMessage(`{"name":"claude"}`),
		CreatedAt:      now,
		ExpiresAt:      now.Add(24 * time.Hour),
		LastActivityAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.True(t, mr.Exists("test:session:sess-1"))

	ttl := mr.TTL("test:session:sess-1")
	assert.InDelta(t, (24 * time.Hour).Seconds(), ttl.Seconds(), 5)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.JSONEq(t, `{"name":"claude"}`, string(got.ClientInfo))
	assert.JSONEq(t, `{}`, string(got.Capabilities))
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

	later := now.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, "sess-1", later))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(later))
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt), "touch must not extend the expiry")
	assert.InDelta(t, ttl.Seconds(), mr.TTL("test:session:sess-1").Seconds(), 5)
}

func TestStore_DuplicateSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := &storage.Session{SessionID: "dup", UserID: "u", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrConflict)
}

func TestStore_MissingAndExpired(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.TouchSession(ctx, "nope", now), storage.ErrNotFound)

	require.NoError(t, s.CreateSession(ctx, &storage.Session{
		SessionID: "short",
		UserID:    "u",
		ExpiresAt: now.Add(time.Minute),
	}))

	// the application clock passes expiry before Redis evicts the key
	s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	_, err = s.GetSession(ctx, "short")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.TouchSession(ctx, "short", now), storage.ErrNotFound)

	s.SetClock(time.Now)
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:session:short"))
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := Connect(context.Background(), Config{URL: "redis://" + mr.Addr(), ConnectAttempts: 1})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, DefaultKeyPrefix, s.keyPrefix)

	_, err = Connect(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{URL: "not a url"})
	assert.Error(t, err)
}
