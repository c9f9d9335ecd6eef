package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "herald:"

	// DefaultConnectAttempts bounds the startup ping retries.
	DefaultConnectAttempts = 5

	storageType = "redis"
)

// Config holds connection settings.
type Config struct {
	// URL is a redis:// or rediss:// URL understood by redis.ParseURL.
	URL string

	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts is the number of pings tried before Connect gives up.
	ConnectAttempts uint

	Logger *slog.Logger
}

// Store implements storage.SessionStore.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.SessionStore = (*Store)(nil)

// createScript inserts the hash only when the key is absent and sets its
// absolute expiry. It returns 0 when the session id is already taken.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'tenant_id', ARGV[2],
  'client_info', ARGV[3], 'capabilities', ARGV[4],
  'created_at', ARGV[5], 'expires_at', ARGV[6], 'last_activity_at', ARGV[7])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
return 1
`)

// touchScript updates last_activity_at on an existing hash. HSET leaves the
// key's TTL alone.
var touchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[1])
return 1
`)

// Connect dials Redis and pings it with exponential backoff until it answers
// or the attempts are exhausted.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	opts.DialTimeout = orDefault(cfg.DialTimeout, DefaultDialTimeout)
	opts.ReadTimeout = orDefault(cfg.ReadTimeout, DefaultReadTimeout)
	opts.WriteTimeout = orDefault(cfg.WriteTimeout, DefaultWriteTimeout)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = DefaultConnectAttempts
	}

	client := goredis.NewClient(opts)
	_, err = backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Redis not reachable yet, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	s.logger = logger
	return s, nil
}

// NewWithClient wraps a pre-configured client. Tests use it with miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation enables spans and storage operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

// CreateSession stores the session with a key expiry at ExpiresAt.
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) (err error) {
	ctx, done := s.observe(ctx, "create_session")
	defer done(&err)

	created, err := createScript.Run(ctx, s.client, []string{s.sessionKey(sess.SessionID)},
		sess.UserID,
		sess.TenantID,
		rawOrEmpty(sess.ClientInfo),
		rawOrEmpty(sess.Capabilities),
		sess.CreatedAt.UnixMilli(),
		sess.ExpiresAt.UnixMilli(),
		sess.LastActivityAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: create session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("session %q: %w", sess.SessionID, storage.ErrConflict)
	}
	return nil
}

// GetSession returns an unexpired session or storage.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, done := s.observe(ctx, "get_session")
	defer done(&err)

	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	sess := &storage.Session{
		SessionID:    sessionID,
		UserID:       fields["user_id"],
		TenantID:     fields["tenant_id"],
		ClientInfo:   []byte(fields["client_info"]),
		Capabilities: []byte(fields["capabilities"]),
	}
	if sess.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return nil, err
	}
	if sess.LastActivityAt, err = parseMillis(fields["last_activity_at"]); err != nil {
		return nil, err
	}
	if !sess.ExpiresAt.After(s.now()) {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

// TouchSession updates last_activity_at without extending the expiry.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) (err error) {
	ctx, done := s.observe(ctx, "touch_session")
	defer done(&err)

	touched, err := touchScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)},
		at.UnixMilli(), s.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis: touch session: %w", err)
	}
	if touched == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func rawOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: corrupt timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(*error)) {
	if s.tracer == nil {
		return ctx, func(*error) {}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation, trace.WithAttributes(
		attribute.String(instrumentation.AttrStorageOperation, operation),
		attribute.String(instrumentation.AttrStorageType, storageType),
	))
	start := time.Now()
	return ctx, func(errp *error) {
		defer span.End()
		result := "success"
		if *errp != nil && !errors.Is(*errp, storage.ErrNotFound) {
			result = "error"
			instrumentation.RecordError(span, *errp)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}
