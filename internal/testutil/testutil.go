package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/heraldhq/herald/mcp"
	objmemory "github.com/heraldhq/herald/objectstore/memory"
	"github.com/heraldhq/herald/pkce"
	"github.com/heraldhq/herald/server"
	"github.com/heraldhq/herald/session"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/storage/memory"
	"github.com/heraldhq/herald/token"
	"github.com/heraldhq/herald/tools"
)

// Password is the password of every user created by the helpers.
const Password = "correct-horse-battery"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Stack is a fully wired Herald core over in-memory backends.
type Stack struct {
	Store      *memory.Store
	Objects    *objmemory.Store
	Server     *server.Server
	Sessions   *session.Manager
	Registry   *tools.Registry
	Dispatcher *mcp.Dispatcher
}

// NewStack wires the authorization server, session manager, tool catalog
// and dispatcher over fresh in-memory stores.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	objects := objmemory.New()

	issuer, err := token.NewIssuer(token.Config{Secret: "test-signing-secret"}, store, store, nil)
	AssertNoError(t, err)
	srv, err := server.New(store, store, store, issuer, &server.Config{BcryptCost: bcrypt.MinCost}, nil)
	AssertNoError(t, err)
	sessions, err := session.NewManager(store, session.Config{}, nil)
	AssertNoError(t, err)
	publisher, err := tools.NewPublisher(store, objects, nil)
	AssertNoError(t, err)
	registry, err := tools.NewRegistry(publisher.Tools()...)
	AssertNoError(t, err)
	dispatcher, err := mcp.NewDispatcher(sessions, registry, mcp.Config{}, nil)
	AssertNoError(t, err)

	return &Stack{
		Store:      store,
		Objects:    objects,
		Server:     srv,
		Sessions:   sessions,
		Registry:   registry,
		Dispatcher: dispatcher,
	}
}

// SeedUser signs up a tenant and adds a user holding scopes to it.
func (s *Stack) SeedUser(t *testing.T, email string, scopes ...string) *storage.User {
	t.Helper()
	ctx := context.Background()
	tenant, _, err := s.Server.Signup(ctx, server.SignupRequest{
		TenantName: "Tenant of " + email,
		Email:      "owner+" + email,
		Password:   Password,
	})
	AssertNoError(t, err)
	user, err := s.Server.CreateUser(ctx, server.NewUser{
		TenantID: tenant.ID,
		Email:    email,
		Password: Password,
		Scopes:   scopes,
	})
	AssertNoError(t, err)
	return user
}

// SeedBucket registers a default bucket for the user's tenant and grants
// the user permissions on it.
func (s *Stack) SeedBucket(t *testing.T, user *storage.User, name string, permissions ...string) *storage.Bucket {
	t.Helper()
	ctx := context.Background()
	bucket := &storage.Bucket{
		ID:         "bucket-" + name,
		TenantID:   user.TenantID,
		Name:       name,
		BucketName: "herald-" + name,
		Region:     "us-east-1",
		IsDefault:  true,
		Enabled:    true,
	}
	AssertNoError(t, s.Store.CreateBucket(ctx, bucket))
	AssertNoError(t, s.Store.GrantBucketAccess(ctx, &storage.BucketGrant{
		ID:          "grant-" + name + "-" + user.ID,
		BucketID:    bucket.ID,
		UserID:      user.ID,
		Permissions: permissions,
	}))
	return bucket
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair(t *testing.T) (challenge, verifier string) {
	t.Helper()
	verifier, err := pkce.GenerateVerifier(0)
	AssertNoError(t, err)
	challenge, err = pkce.DeriveChallenge(verifier, pkce.MethodS256)
	AssertNoError(t, err)
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithForm sets a form-encoded body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	r.Body = body
	return r
}

// WithJSON sets a JSON body
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/json"
	r.Body = body
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
