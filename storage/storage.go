package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by every implementation.
var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint
	// (duplicate client_id, tenant slug, or email within a tenant).
	ErrConflict = errors.New("storage: conflict")

	// ErrAlreadyConsumed is returned when a conditional update finds the row
	// already used, revoked, or expired.
	ErrAlreadyConsumed = errors.New("storage: already consumed")
)

// SettingJWTSecret is the settings key holding the generated access-token signing secret.
const SettingJWTSecret = "jwt_secret" //nolint:gosec // settings key name, not a credential

// ClientStore persists OAuth client registrations.
type ClientStore interface {
	// SaveClient inserts a new client. A duplicate client_id yields ErrConflict.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client with the given id or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SetClientActive toggles the soft-disable flag.
	SetClientActive(ctx context.Context, clientID string, active bool) error
}

// FlowStore persists authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode stores a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code row regardless of its state.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode sets used_at on the code if, and only if, it is
	// unused and unexpired. Exactly one of any number of concurrent callers
	// succeeds; the others receive ErrAlreadyConsumed.
	ConsumeAuthorizationCode(ctx context.Context, code string) error
}

// RefreshTokenStore persists refresh-token records keyed by the token hash.
type RefreshTokenStore interface {
	// SaveRefreshToken inserts a new record.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the record for hash, including revoked or expired ones.
	GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)

	// RevokeRefreshToken sets revoked_at on an active record. Revoking an unknown
	// or already revoked token returns ErrAlreadyConsumed.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RotateRefreshToken revokes the active record for oldHash and inserts
	// replacement as one atomic step. When the old record is no longer active
	// nothing is written and ErrAlreadyConsumed is returned.
	RotateRefreshToken(ctx context.Context, oldHash string, replacement *RefreshToken) error
}

// SessionStore persists MCP protocol sessions.
type SessionStore interface {
	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns an unexpired session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// TouchSession updates last_activity_at on an unexpired session.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
}

// SettingsStore persists process-wide key/value settings.
type SettingsStore interface {
	// GetSetting returns the value for key or ErrNotFound.
	GetSetting(ctx context.Context, key string) (string, error)

	// PutSettingIfAbsent inserts key=value unless the key already exists and
	// returns the value that is stored afterwards, which is the caller's value
	// only if it won the race.
	PutSettingIfAbsent(ctx context.Context, key, value string) (string, error)
}

// UserStore persists tenants and their users.
type UserStore interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// CreateUser inserts a user. A duplicate email inside the tenant yields ErrConflict.
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user joined with its tenant's slug and name.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail returns the oldest user registered under email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// RecordLogin stamps last_login_at.
	RecordLogin(ctx context.Context, userID string, at time.Time) error
}

// BucketStore persists tenant buckets, per-user grants and the upload audit log.
type BucketStore interface {
	// CreateBucket registers a bucket. When bucket.IsDefault is set, any other
	// default bucket of the tenant loses that flag.
	CreateBucket(ctx context.Context, bucket *Bucket) error

	// GrantBucketAccess creates the grant, or replaces the permissions, prefix
	// restriction and expiry of the existing grant for the same bucket and user.
	GrantBucketAccess(ctx context.Context, grant *BucketGrant) error

	// ListAccessibleBuckets returns every enabled bucket of the tenant that the
	// user holds an unexpired grant on, default bucket first, then by name.
	ListAccessibleBuckets(ctx context.Context, tenantID, userID string) ([]BucketAccess, error)

	// GetAccessibleBucket resolves one accessible bucket by its display name,
	// or the tenant's default bucket when name is empty.
	GetAccessibleBucket(ctx context.Context, tenantID, userID, name string) (*BucketAccess, error)

	// RecordUpload appends an entry to the upload audit log.
	RecordUpload(ctx context.Context, upload *FileUpload) error

	// ListUploads returns the tenant's audit log, newest first.
	ListUploads(ctx context.Context, tenantID string) ([]FileUpload, error)
}

// Store aggregates every store interface. Both the in-memory and the SQLite
// backends implement it in full.
type Store interface {
	ClientStore
	FlowStore
	RefreshTokenStore
	SessionStore
	SettingsStore
	UserStore
	BucketStore
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientName              string
	ClientURI               string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
	TenantID                string
	IsActive                bool
	CreatedAt               time.Time
}

// IsPublic reports whether the client has no secret on file.
func (c *Client) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// AuthorizationCode represents an issued authorization code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// RefreshToken is the server-side half of a refresh token. The opaque secret
// handed to the client is never stored, only its hash.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	TenantID  string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Session is an MCP protocol session.
type Session struct {
	SessionID      string
	UserID         string
	TenantID       string
	ClientInfo     json.RawMessage
	Capabilities   json.RawMessage
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Tenant is an organization owning users and buckets.
type Tenant struct {
	ID        string
	Name      string
	Slug      string
	Email     string
	CreatedAt time.Time
}

// User is an end user who signs in on the authorize form.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	Scopes       []string
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time

	// Populated by GetUser and GetUserByEmail from the owning tenant.
	TenantSlug string
	TenantName string
}

// Bucket is an S3 bucket registered for a tenant.
type Bucket struct {
	ID         string
	TenantID   string
	Name       string // display name used by tools
	BucketName string // S3 bucket name
	Region     string
	Prefix     string
	RoleARN    string // cross-account role assumed for access, optional
	IsDefault  bool
	Enabled    bool
	CreatedAt  time.Time
}

// BucketGrant gives a user permissions on a bucket.
type BucketGrant struct {
	ID                string
	BucketID          string
	UserID            string
	Permissions       []string // subset of read, write, delete
	PrefixRestriction string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
}

// BucketAccess is a bucket joined with the caller's grant on it.
type BucketAccess struct {
	Bucket
	Permissions       []string
	PrefixRestriction string
}

// FileUpload is one entry of the upload audit log.
type FileUpload struct {
	ID           string
	TenantID     string
	BucketID     string
	UserID       string
	FileKey      string
	FileName     string
	FileSize     int64
	ContentType  string
	UploadMethod string // "direct" or "presigned"
	Metadata     map[string]any
	CreatedAt    time.Time
}
