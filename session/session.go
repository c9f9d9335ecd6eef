// Package session manages MCP protocol sessions.
//
// A session is created by the initialize method and lives for a fixed TTL.
// Every later request presents the session id together with a bearer token;
// the session is usable only while unexpired and only by the subject that
// created it. Use refreshes last_activity_at but never the expiry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// DefaultTTL is the lifetime of a session from its creation.
const DefaultTTL = 24 * time.Hour

// sessionIDBytes gives session ids 256 bits of entropy.
const sessionIDBytes = 32

var (
	// ErrNotInitialized is returned when no session id was presented.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidSession is returned for unknown, expired and foreign sessions.
	ErrInvalidSession = errors.New("invalid or expired session")
)

// Capabilities are the server capabilities announced by initialize.
type Capabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability describes the tools capability. ListChanged is always
// serialized, false included.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// Config configures a Manager.
type Config struct {
	// TTL is the fixed session lifetime. Zero selects DefaultTTL.
	TTL time.Duration
}

// Manager creates and validates sessions.
type Manager struct {
	store           storage.SessionStore
	ttl             time.Duration
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store storage.SessionStore, cfg Config, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    cfg.TTL,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor.
func (m *Manager) SetAuditor(a *security.Auditor) { m.auditor = a }

// SetInstrumentation enables session metrics.
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) { m.instrumentation = inst }

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Initialize always creates a new session bound to the token's subject and
// tenant and returns the server capabilities with the session id.
func (m *Manager) Initialize(ctx context.Context, clientInfo, capabilities json.RawMessage, claims *token.Claims) (Capabilities, string, error) {
	if claims == nil || claims.Subject == "" {
		return Capabilities{}, "", errors.New("initialize requires an authenticated subject")
	}

	id, err := token.Opaque(sessionIDBytes)
	if err != nil {
		return Capabilities{}, "", err
	}
	now := m.now()
	sess := &storage.Session{
		SessionID:      id,
		UserID:         claims.Subject,
		TenantID:       claims.TenantID,
		ClientInfo:     clientInfo,
		Capabilities:   capabilities,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastActivityAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Capabilities{}, "", fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Info("MCP session created",
		"user_id", claims.Subject,
		"tenant_id", claims.TenantID,
		"expires_at", sess.ExpiresAt)
	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionCreated(ctx)
	}
	return Capabilities{Tools: ToolsCapability{ListChanged: false}}, id, nil
}

// Validate returns the session for sessionID if it is usable by the token's
// subject, and stamps its last activity.
func (m *Manager) Validate(ctx context.Context, sessionID string, claims *token.Claims) (*storage.Session, error) {
	if sessionID == "" {
		m.rejected(ctx, "missing")
		return nil, ErrNotInitialized
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		m.rejected(ctx, "unknown_or_expired")
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if claims == nil || sess.UserID != claims.Subject || sess.TenantID != claims.TenantID {
		subject := ""
		if claims != nil {
			subject = claims.Subject
		}
		m.logger.Warn("Session presented by another subject", "session_owner", sess.UserID)
		m.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventSessionOwnershipMismatch,
			UserID:   subject,
			TenantID: sess.TenantID,
			Details:  map[string]any{"session_owner": security.HashForLogging(sess.UserID)},
		})
		m.rejected(ctx, "ownership")
		return nil, ErrInvalidSession
	}

	now := m.now()
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.rejected(ctx, "unknown_or_expired")
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	sess.LastActivityAt = now
	return sess, nil
}

func (m *Manager) rejected(ctx context.Context, reason string) {
	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionRejected(ctx, reason)
	}
}
