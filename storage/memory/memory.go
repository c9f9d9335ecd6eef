package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/storage"
)

const (
	// tokenIDLogLength is the number of characters of a code or hash that may
	// appear in debug logs
	tokenIDLogLength = 8

	storageType = "memory"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken // keyed by token hash
	sessions      map[string]*storage.Session
	settings      map[string]string

	tenants map[string]*storage.Tenant
	users   map[string]*storage.User
	buckets map[string]*storage.Bucket
	grants  map[string]*storage.BucketGrant // keyed by bucketID + "/" + userID
	uploads []storage.FileUpload

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// lock-free counts read by metric callbacks
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	refreshTokensCount atomic.Int64
	sessionsCount      atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		sessions:        make(map[string]*storage.Session),
		settings:        make(map[string]string),
		tenants:         make(map[string]*storage.Tenant),
		users:           make(map[string]*storage.User),
		buckets:         make(map[string]*storage.Bucket),
		grants:          make(map[string]*storage.BucketGrant),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.sessionsCount.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.clientsCount.Load,
			s.codesCount.Load,
			s.refreshTokensCount.Load,
			s.sessionsCount.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close stops the store; it never fails.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts a new client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("client %q: %w", client.ClientID, storage.ErrConflict)
	}
	stored := cloneClient(client)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.clients[client.ClientID] = stored
	s.clientsCount.Add(1)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneClient(client), nil
}

// SetClientActive toggles the soft-disable flag of a client
func (s *Store) SetClientActive(_ context.Context, clientID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	client.IsActive = active
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrConflict
	}
	stored := *code
	s.codes[code.Code] = &stored
	s.codesCount.Add(1)

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode returns a copy of the code, used or not.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_authorization_code", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	codeCopy := *authCode
	return &codeCopy, nil
}

// ConsumeAuthorizationCode marks an unused, unexpired code as used under the
// write lock, so only one caller can win.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_authorization_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return storage.ErrNotFound
	}
	now := s.now()
	if authCode.UsedAt != nil || !authCode.ExpiresAt.After(now) {
		return storage.ErrAlreadyConsumed
	}
	authCode.UsedAt = &now

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_refresh_token", &err, time.Now())

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRefreshTokenLocked(token)
}

func (s *Store) insertRefreshTokenLocked(token *storage.RefreshToken) error {
	if _, exists := s.refreshTokens[token.TokenHash]; exists {
		return storage.ErrConflict
	}
	stored := *token
	stored.Scopes = slices.Clone(token.Scopes)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.refreshTokens[token.TokenHash] = &stored
	s.refreshTokensCount.Add(1)
	return nil
}

// GetRefreshToken returns the record for a token hash
func (s *Store) GetRefreshToken(ctx context.Context, hash string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rt
	out.Scopes = slices.Clone(rt.Scopes)
	return &out, nil
}

// RevokeRefreshToken revokes an active refresh token
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_refresh_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(hash)
}

func (s *Store) revokeLocked(hash string) error {
	rt, ok := s.refreshTokens[hash]
	now := s.now()
	if !ok || rt.RevokedAt != nil || !rt.ExpiresAt.After(now) {
		return storage.ErrAlreadyConsumed
	}
	rt.RevokedAt = &now
	return nil
}

// RotateRefreshToken revokes oldHash and inserts replacement under one lock
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, replacement *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	if replacement == nil || replacement.TokenHash == "" {
		return fmt.Errorf("invalid replacement token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[replacement.TokenHash]; exists {
		return storage.ErrConflict
	}
	if err := s.revokeLocked(oldHash); err != nil {
		return err
	}
	return s.insertRefreshTokenLocked(replacement)
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new MCP session
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "create_session", &err, time.Now())

	if session == nil || session.SessionID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return storage.ErrConflict
	}
	stored := cloneSession(session)
	s.sessions[session.SessionID] = stored
	s.sessionsCount.Add(1)
	return nil
}

// GetSession returns an unexpired session
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_session", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || !session.ExpiresAt.After(s.now()) {
		return nil, storage.ErrNotFound
	}
	return cloneSession(session), nil
}

// TouchSession updates last_activity_at of an unexpired session
func (s *Store) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || !session.ExpiresAt.After(s.now()) {
		return storage.ErrNotFound
	}
	session.LastActivityAt = at
	return nil
}

// ============================================================
// SettingsStore Implementation
// ============================================================

// GetSetting returns a stored setting
func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

// PutSettingIfAbsent stores value unless key exists and returns the stored value
func (s *Store) PutSettingIfAbsent(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.settings[key]; ok {
		return existing, nil
	}
	s.settings[key] = value
	return value, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateTenant inserts a tenant; the slug must be unique
func (s *Store) CreateTenant(_ context.Context, tenant *storage.Tenant) error {
	if tenant == nil || tenant.ID == "" {
		return fmt.Errorf("invalid tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tenants {
		if t.ID == tenant.ID || t.Slug == tenant.Slug {
			return fmt.Errorf("tenant %q: %w", tenant.Slug, storage.ErrConflict)
		}
	}
	stored := *tenant
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.tenants[tenant.ID] = &stored
	return nil
}

// GetTenant returns a tenant by id
func (s *Store) GetTenant(_ context.Context, tenantID string) (*storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *t
	return &out, nil
}

// CreateUser inserts a user; email is unique per tenant
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "create_user", &err, time.Now())

	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[user.TenantID]; !ok {
		return fmt.Errorf("tenant %q: %w", user.TenantID, storage.ErrNotFound)
	}
	for _, u := range s.users {
		if u.ID == user.ID || (u.TenantID == user.TenantID && strings.EqualFold(u.Email, user.Email)) {
			return fmt.Errorf("user %q: %w", user.Email, storage.ErrConflict)
		}
	}
	stored := *user
	stored.Scopes = slices.Clone(user.Scopes)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.users[user.ID] = &stored
	return nil
}

// GetUser returns a user joined with its tenant
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_user", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.withTenantLocked(u), nil
}

// GetUserByEmail returns the oldest user with the given email across tenants
func (s *Store) GetUserByEmail(ctx context.Context, email string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_email")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_user_by_email", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *storage.User
	for _, u := range s.users {
		if !strings.EqualFold(u.Email, email) {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return s.withTenantLocked(found), nil
}

func (s *Store) withTenantLocked(u *storage.User) *storage.User {
	out := *u
	out.Scopes = slices.Clone(u.Scopes)
	if t, ok := s.tenants[u.TenantID]; ok {
		out.TenantSlug = t.Slug
		out.TenantName = t.Name
	}
	return &out
}

// RecordLogin stamps last_login_at
func (s *Store) RecordLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

// ============================================================
// BucketStore Implementation
// ============================================================

// CreateBucket registers a tenant bucket
func (s *Store) CreateBucket(_ context.Context, bucket *storage.Bucket) error {
	if bucket == nil || bucket.ID == "" {
		return fmt.Errorf("invalid bucket")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.buckets {
		if b.ID == bucket.ID || (b.TenantID == bucket.TenantID && b.Name == bucket.Name) {
			return fmt.Errorf("bucket %q: %w", bucket.Name, storage.ErrConflict)
		}
	}
	if bucket.IsDefault {
		for _, b := range s.buckets {
			if b.TenantID == bucket.TenantID {
				b.IsDefault = false
			}
		}
	}
	stored := *bucket
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.buckets[bucket.ID] = &stored
	return nil
}

// GrantBucketAccess upserts the grant for (bucket, user)
func (s *Store) GrantBucketAccess(_ context.Context, grant *storage.BucketGrant) error {
	if grant == nil || grant.BucketID == "" || grant.UserID == "" {
		return fmt.Errorf("invalid grant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[grant.BucketID]; !ok {
		return fmt.Errorf("bucket %q: %w", grant.BucketID, storage.ErrNotFound)
	}

	key := grant.BucketID + "/" + grant.UserID
	if existing, ok := s.grants[key]; ok {
		existing.Permissions = slices.Clone(grant.Permissions)
		existing.PrefixRestriction = grant.PrefixRestriction
		existing.ExpiresAt = grant.ExpiresAt
		return nil
	}
	stored := *grant
	stored.Permissions = slices.Clone(grant.Permissions)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.grants[key] = &stored
	return nil
}

// ListAccessibleBuckets returns the buckets the user may use
func (s *Store) ListAccessibleBuckets(ctx context.Context, tenantID, userID string) (_ []storage.BucketAccess, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_accessible_buckets")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "list_accessible_buckets", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accessibleLocked(tenantID, userID), nil
}

func (s *Store) accessibleLocked(tenantID, userID string) []storage.BucketAccess {
	now := s.now()
	out := make([]storage.BucketAccess, 0)
	for _, b := range s.buckets {
		if b.TenantID != tenantID || !b.Enabled {
			continue
		}
		g, ok := s.grants[b.ID+"/"+userID]
		if !ok || (g.ExpiresAt != nil && !g.ExpiresAt.After(now)) {
			continue
		}
		out = append(out, storage.BucketAccess{
			Bucket:            *b,
			Permissions:       slices.Clone(g.Permissions),
			PrefixRestriction: g.PrefixRestriction,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GetAccessibleBucket resolves a bucket by name, or the default bucket
func (s *Store) GetAccessibleBucket(ctx context.Context, tenantID, userID, name string) (_ *storage.BucketAccess, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_accessible_bucket")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_accessible_bucket", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, access := range s.accessibleLocked(tenantID, userID) {
		if (name == "" && access.IsDefault) || (name != "" && access.Name == name) {
			return &access, nil
		}
	}
	return nil, storage.ErrNotFound
}

// RecordUpload appends to the upload audit log
func (s *Store) RecordUpload(_ context.Context, upload *storage.FileUpload) error {
	if upload == nil {
		return fmt.Errorf("invalid upload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *upload
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.uploads = append(s.uploads, stored)
	return nil
}

// ListUploads returns a tenant's uploads, newest first
func (s *Store) ListUploads(_ context.Context, tenantID string) ([]storage.FileUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.FileUpload, 0)
	for i := len(s.uploads) - 1; i >= 0; i-- {
		if s.uploads[i].TenantID == tenantID {
			out = append(out, s.uploads[i])
		}
	}
	return out, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired codes, sessions and refresh tokens. Revoked but
// unexpired refresh tokens stay so that reuse can still be detected.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for code, c := range s.codes {
		if !c.ExpiresAt.After(now) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			cleaned++
		}
	}
	for id, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, id)
			s.sessionsCount.Add(-1)
			cleaned++
		}
	}
	for hash, rt := range s.refreshTokens {
		if !rt.ExpiresAt.After(now) {
			delete(s.refreshTokens, hash)
			s.refreshTokensCount.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation is deferred with a pointer to the named error result
// so it observes the final outcome.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if errp != nil && *errp != nil {
		result = "error"
		instrumentation.RecordError(span, *errp)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &out
}

func cloneSession(sess *storage.Session) *storage.Session {
	out := *sess
	out.ClientInfo = slices.Clone(sess.ClientInfo)
	out.Capabilities = slices.Clone(sess.Capabilities)
	return &out
}
