package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heraldhq/herald/storage"
)

const clientColumns = `client_id, client_secret_hash, client_name, client_uri, redirect_uris,
	grant_types, response_types, token_endpoint_auth_method, scope, tenant_id, is_active, created_at`

// SaveClient inserts a client registration
func (s *Store) SaveClient(ctx context.Context, c *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer done(&err)

	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return err
	}
	grants, err := encodeList(c.GrantTypes)
	if err != nil {
		return err
	}
	responses, err := encodeList(c.ResponseTypes)
	if err != nil {
		return err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.ClientSecretHash, c.ClientName, c.ClientURI, redirects,
		grants, responses, c.TokenEndpointAuthMethod, c.Scope, c.TenantID, boolInt(c.IsActive), millis(createdAt))
	return translate(err)
}

// GetClient returns a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observe(ctx, "get_client")
	defer done(&err)

	var (
		c                           storage.Client
		redirects, grants, respType string
		active                      bool
		createdAt                   int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`, clientID).Scan(
		&c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.ClientURI, &redirects,
		&grants, &respType, &c.TokenEndpointAuthMethod, &c.Scope, &c.TenantID, &active, &createdAt)
	if err != nil {
		return nil, translate(err)
	}
	if c.RedirectURIs, err = decodeList(redirects); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeList(grants); err != nil {
		return nil, err
	}
	if c.ResponseTypes, err = decodeList(respType); err != nil {
		return nil, err
	}
	c.IsActive = active
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// SetClientActive toggles the soft-disable flag
func (s *Store) SetClientActive(ctx context.Context, clientID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE oauth_clients SET is_active = ? WHERE client_id = ?`, boolInt(active), clientID)
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

// SaveAuthorizationCode stores an issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer done(&err)

	createdAt := code.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO oauth_authorization_codes
		(code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope, code.CodeChallenge,
		code.CodeChallengeMethod, millis(createdAt), millis(code.ExpiresAt), nullMillis(code.UsedAt))
	return translate(err)
}

// GetAuthorizationCode returns a code row regardless of its state
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "get_authorization_code")
	defer done(&err)

	var (
		c                    storage.AuthorizationCode
		createdAt, expiresAt int64
		usedAt               sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT code, client_id, user_id, redirect_uri, scope, code_challenge,
		code_challenge_method, created_at, expires_at, used_at
		FROM oauth_authorization_codes WHERE code = ?`, code).Scan(
		&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.CodeChallenge,
		&c.CodeChallengeMethod, &createdAt, &expiresAt, &usedAt)
	if err != nil {
		return nil, translate(err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.UsedAt = fromNullMillis(usedAt)
	return &c, nil
}

// ConsumeAuthorizationCode sets used_at with a conditional UPDATE so only
// one caller observes an affected row.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, done := s.observe(ctx, "consume_authorization_code")
	defer done(&err)

	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE oauth_authorization_codes SET used_at = ?
		WHERE code = ? AND used_at IS NULL AND expires_at > ?`, now, code, now)
	if err != nil {
		return translate(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOr(ctx, `SELECT 1 FROM oauth_authorization_codes WHERE code = ?`, code)
}

// missingOr distinguishes an absent row (ErrNotFound) from one that failed a
// conditional update (ErrAlreadyConsumed).
func (s *Store) missingOr(ctx context.Context, query string, args ...any) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return translate(err)
	}
	return storage.ErrAlreadyConsumed
}

func insertRefreshToken(ctx context.Context, ex execer, rt *storage.RefreshToken, now time.Time) error {
	scopes, err := encodeList(rt.Scopes)
	if err != nil {
		return err
	}
	createdAt := rt.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO oauth_refresh_tokens
		(token_hash, client_id, user_id, tenant_id, scopes, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.TokenHash, rt.ClientID, rt.UserID, rt.TenantID, scopes,
		millis(createdAt), millis(rt.ExpiresAt), nullMillis(rt.RevokedAt))
	return translate(err)
}

// SaveRefreshToken inserts a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, rt *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "save_refresh_token")
	defer done(&err)

	return insertRefreshToken(ctx, s.db, rt, s.now())
}

// GetRefreshToken returns a record by token hash
func (s *Store) GetRefreshToken(ctx context.Context, hash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "get_refresh_token")
	defer done(&err)

	var (
		rt                   storage.RefreshToken
		scopes               string
		createdAt, expiresAt int64
		revokedAt            sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT token_hash, client_id, user_id, tenant_id, scopes,
		created_at, expires_at, revoked_at FROM oauth_refresh_tokens WHERE token_hash = ?`, hash).Scan(
		&rt.TokenHash, &rt.ClientID, &rt.UserID, &rt.TenantID, &scopes, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		return nil, translate(err)
	}
	if rt.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	rt.CreatedAt = fromMillis(createdAt)
	rt.ExpiresAt = fromMillis(expiresAt)
	rt.RevokedAt = fromNullMillis(revokedAt)
	return &rt, nil
}

func revokeActive(ctx context.Context, ex execer, hash string, now int64) error {
	res, err := ex.ExecContext(ctx, `UPDATE oauth_refresh_tokens SET revoked_at = ?
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?`, now, hash, now)
	if err != nil {
		return translate(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrAlreadyConsumed
	}
	return nil
}

// RevokeRefreshToken revokes an active token
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) (err error) {
	ctx, done := s.observe(ctx, "revoke_refresh_token")
	defer done(&err)

	return revokeActive(ctx, s.db, hash, millis(s.now()))
}

// RotateRefreshToken revokes oldHash and inserts replacement in one transaction
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, replacement *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "rotate_refresh_token")
	defer done(&err)

	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := revokeActive(ctx, tx, oldHash, millis(now)); err != nil {
			return err
		}
		if err := insertRefreshToken(ctx, tx, replacement, now); err != nil {
			return fmt.Errorf("insert replacement: %w", err)
		}
		return nil
	})
}

// CreateSession inserts an MCP session
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) (err error) {
	ctx, done := s.observe(ctx, "create_session")
	defer done(&err)

	_, err = s.db.ExecContext(ctx, `INSERT INTO mcp_sessions
		(session_id, user_id, tenant_id, client_info, capabilities, created_at, expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.TenantID, rawOrEmpty(sess.ClientInfo), rawOrEmpty(sess.Capabilities),
		millis(sess.CreatedAt), millis(sess.ExpiresAt), millis(sess.LastActivityAt))
	return translate(err)
}

// GetSession returns an unexpired session
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, done := s.observe(ctx, "get_session")
	defer done(&err)

	var (
		sess                             storage.Session
		clientInfo, capabilities         string
		createdAt, expiresAt, lastActive int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT session_id, user_id, tenant_id, client_info, capabilities,
		created_at, expires_at, last_activity_at FROM mcp_sessions
		WHERE session_id = ? AND expires_at > ?`, sessionID, millis(s.now())).Scan(
		&sess.SessionID, &sess.UserID, &sess.TenantID, &clientInfo, &capabilities,
		&createdAt, &expiresAt, &lastActive)
	if err != nil {
		return nil, translate(err)
	}
	sess.ClientInfo = []byte(clientInfo)
	sess.Capabilities = []byte(capabilities)
	sess.CreatedAt = fromMillis(createdAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.LastActivityAt = fromMillis(lastActive)
	return &sess, nil
}

// TouchSession updates last_activity_at on an unexpired session
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mcp_sessions SET last_activity_at = ?
		WHERE session_id = ? AND expires_at > ?`, millis(at), sessionID, millis(s.now()))
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

func rawOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

// GetSetting returns a setting value
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", translate(err)
	}
	return v, nil
}

// PutSettingIfAbsent inserts unless present, then reads back the stored value
func (s *Store) PutSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING`, key, value, millis(s.now()))
	if err != nil {
		return "", translate(err)
	}
	return s.GetSetting(ctx, key)
}
