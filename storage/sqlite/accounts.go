package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heraldhq/herald/storage"
)

// CreateTenant inserts a tenant
func (s *Store) CreateTenant(ctx context.Context, t *storage.Tenant) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (id, name, slug, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Slug, t.Email, millis(createdAt))
	return translate(err)
}

// GetTenant returns a tenant by id
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	var (
		t         storage.Tenant
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, slug, email, created_at FROM tenants WHERE id = ?`, tenantID).
		Scan(&t.ID, &t.Name, &t.Slug, &t.Email, &createdAt)
	if err != nil {
		return nil, translate(err)
	}
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

// CreateUser inserts a user
func (s *Store) CreateUser(ctx context.Context, u *storage.User) (err error) {
	ctx, done := s.observe(ctx, "create_user")
	defer done(&err)

	scopes, err := encodeList(u.Scopes)
	if err != nil {
		return err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users
		(id, tenant_id, email, password_hash, name, role, scopes, is_active, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, u.Name, u.Role, scopes, boolInt(u.IsActive),
		millis(createdAt), nullMillis(u.LastLoginAt))
	return translate(err)
}

const userSelect = `SELECT u.id, u.tenant_id, u.email, u.password_hash, u.name, u.role, u.scopes,
	u.is_active, u.created_at, u.last_login_at, t.slug, t.name
	FROM users u JOIN tenants t ON t.id = u.tenant_id`

func scanUser(row *sql.Row) (*storage.User, error) {
	var (
		u         storage.User
		scopes    string
		createdAt int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &scopes,
		&u.IsActive, &createdAt, &lastLogin, &u.TenantSlug, &u.TenantName)
	if err != nil {
		return nil, translate(err)
	}
	if u.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastLoginAt = fromNullMillis(lastLogin)
	return &u, nil
}

// GetUser returns a user joined with its tenant
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "get_user")
	defer done(&err)

	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE u.id = ?`, userID))
}

// GetUserByEmail returns the oldest user with the email across tenants
func (s *Store) GetUserByEmail(ctx context.Context, email string) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "get_user_by_email")
	defer done(&err)

	return scanUser(s.db.QueryRowContext(ctx,
		userSelect+` WHERE u.email = ? ORDER BY u.created_at, u.rowid LIMIT 1`, email))
}

// RecordLogin stamps last_login_at
func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, millis(at), userID)
	if err != nil {
		return translate(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateBucket registers a bucket, moving the default flag when requested
func (s *Store) CreateBucket(ctx context.Context, b *storage.Bucket) error {
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if b.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE tenant_buckets SET is_default = 0 WHERE tenant_id = ?`, b.TenantID); err != nil {
				return translate(err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tenant_buckets
			(id, tenant_id, name, bucket_name, bucket_region, prefix, role_arn, is_default, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.TenantID, b.Name, b.BucketName, b.Region, b.Prefix, b.RoleARN,
			boolInt(b.IsDefault), boolInt(b.Enabled), millis(createdAt))
		return translate(err)
	})
}

// GrantBucketAccess upserts the grant for (bucket, user)
func (s *Store) GrantBucketAccess(ctx context.Context, g *storage.BucketGrant) error {
	perms, err := encodeList(g.Permissions)
	if err != nil {
		return err
	}
	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO bucket_access_grants
		(id, bucket_id, user_id, permissions, prefix_restriction, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, user_id) DO UPDATE SET
			permissions = excluded.permissions,
			prefix_restriction = excluded.prefix_restriction,
			expires_at = excluded.expires_at`,
		g.ID, g.BucketID, g.UserID, perms, g.PrefixRestriction, nullMillis(g.ExpiresAt), millis(createdAt))
	return translate(err)
}

const accessSelect = `SELECT b.id, b.tenant_id, b.name, b.bucket_name, b.bucket_region, b.prefix, b.role_arn,
	b.is_default, b.enabled, b.created_at, g.permissions, g.prefix_restriction
	FROM tenant_buckets b
	JOIN bucket_access_grants g ON g.bucket_id = b.id
	WHERE b.tenant_id = ? AND g.user_id = ? AND b.enabled = 1
	AND (g.expires_at IS NULL OR g.expires_at > ?)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccess(row rowScanner) (*storage.BucketAccess, error) {
	var (
		a         storage.BucketAccess
		perms     string
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.BucketName, &a.Region, &a.Prefix, &a.RoleARN,
		&a.IsDefault, &a.Enabled, &createdAt, &perms, &a.PrefixRestriction)
	if err != nil {
		return nil, translate(err)
	}
	if a.Permissions, err = decodeList(perms); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// ListAccessibleBuckets returns the buckets the user may use
func (s *Store) ListAccessibleBuckets(ctx context.Context, tenantID, userID string) (_ []storage.BucketAccess, err error) {
	ctx, done := s.observe(ctx, "list_accessible_buckets")
	defer done(&err)

	rows, err := s.db.QueryContext(ctx, accessSelect+` ORDER BY b.is_default DESC, b.name`,
		tenantID, userID, millis(s.now()))
	if err != nil {
		return nil, translate(err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]storage.BucketAccess, 0)
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, translate(rows.Err())
}

// GetAccessibleBucket resolves a bucket by name, or the default bucket
func (s *Store) GetAccessibleBucket(ctx context.Context, tenantID, userID, name string) (_ *storage.BucketAccess, err error) {
	ctx, done := s.observe(ctx, "get_accessible_bucket")
	defer done(&err)

	now := millis(s.now())
	if name == "" {
		return scanAccess(s.db.QueryRowContext(ctx, accessSelect+` AND b.is_default = 1 LIMIT 1`, tenantID, userID, now))
	}
	return scanAccess(s.db.QueryRowContext(ctx, accessSelect+` AND b.name = ?`, tenantID, userID, now, name))
}

// RecordUpload appends to the upload audit log
func (s *Store) RecordUpload(ctx context.Context, u *storage.FileUpload) error {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := encodeJSON(metadata)
	if err != nil {
		return err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO file_uploads
		(id, tenant_id, bucket_id, user_id, file_key, file_name, file_size, content_type, upload_method, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.BucketID, u.UserID, u.FileKey, u.FileName, u.FileSize,
		u.ContentType, u.UploadMethod, meta, millis(createdAt))
	return translate(err)
}

// ListUploads returns a tenant's uploads, newest first
func (s *Store) ListUploads(ctx context.Context, tenantID string) ([]storage.FileUpload, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, bucket_id, user_id, file_key, file_name,
		file_size, content_type, upload_method, metadata, created_at
		FROM file_uploads WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC`, tenantID)
	if err != nil {
		return nil, translate(err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]storage.FileUpload, 0)
	for rows.Next() {
		var (
			u         storage.FileUpload
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&u.ID, &u.TenantID, &u.BucketID, &u.UserID, &u.FileKey, &u.FileName,
			&u.FileSize, &u.ContentType, &u.UploadMethod, &meta, &createdAt); err != nil {
			return nil, translate(err)
		}
		if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode upload metadata: %w", err)
		}
		u.CreatedAt = fromMillis(createdAt)
		out = append(out, u)
	}
	return out, translate(rows.Err())
}
