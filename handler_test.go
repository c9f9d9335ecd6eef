package herald

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heraldhq/herald/internal/testutil"
	"github.com/heraldhq/herald/objectstore"
	"github.com/heraldhq/herald/storage"
)

const (
	testIssuer      = "https://herald.example.com"
	testRedirectURI = "https://claude.ai/api/mcp/auth_callback"
)

type testEnv struct {
	stack   *testutil.Stack
	handler *Handler
	routes  http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	stack := testutil.NewStack(t)
	h, err := NewHandler(stack.Server, stack.Dispatcher, cfg)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Close)
	return &testEnv{stack: stack, handler: h, routes: h.Routes()}
}

func (e *testEnv) do(req *testutil.HTTPRequest) *httptest.ResponseRecorder {
	return req.Do(e.routes)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("body %q is not JSON: %v", rr.Body.String(), err)
	}
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	var body ErrorResponse
	decodeBody(t, rr, &body)
	if body.Error != code {
		t.Errorf("error = %q, want %q", body.Error, code)
	}
}

// registerClient registers a client through the HTTP endpoint.
func (e *testEnv) registerClient(t *testing.T, authMethod string) ClientRegistrationResponse {
	t.Helper()
	body := fmt.Sprintf(`{"client_name":"Claude","redirect_uris":[%q],"token_endpoint_auth_method":%q}`, testRedirectURI, authMethod)
	rr := e.do(testutil.NewHTTPRequest(http.MethodPost, "/oauth/register").WithJSON(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp ClientRegistrationResponse
	decodeBody(t, rr, &resp)
	return resp
}

// authorize runs the authorize GET and POST steps and returns the code.
func (e *testEnv) authorize(t *testing.T, clientID, email, challenge string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read write"},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rr := e.do(testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()))
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize GET status = %d, body %s", rr.Code, rr.Body.String())
	}
	testutil.AssertStringContains(t, rr.Body.String(), `name="client_id" value="`+clientID+`"`)

	form := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read write"},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"email":                 {email},
		"password":              {testutil.Password},
	}
	rr = e.do(testutil.NewHTTPRequest(http.MethodPost, "/authorize").WithForm(form.Encode()))
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize POST status = %d, body %s", rr.Code, rr.Body.String())
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location does not parse: %v", err)
	}
	if location.Query().Get("state") != "st-123" {
		t.Errorf("state = %q", location.Query().Get("state"))
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("Location %q carries no code", location)
	}
	return code
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, testutil.Password)
	rr := e.do(testutil.NewHTTPRequest(http.MethodPost, "/login").WithJSON(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp LoginResponse
	decodeBody(t, rr, &resp)
	return resp.AccessToken
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})
	user := env.stack.SeedUser(t, "dev@example.com", "read", "write")
	client := env.registerClient(t, "none")
	if client.ClientSecret != "" {
		t.Error("public client received a secret")
	}

	challenge, verifier := testutil.GeneratePKCEPair(t)
	code := env.authorize(t, client.ClientID, user.Email, challenge)

	exchange := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {client.ClientID},
		"code_verifier": {verifier},
	}
	rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(exchange.Encode()))
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "no-store" || rr.Header().Get("Pragma") != "no-cache" {
		t.Errorf("cache headers = %q / %q", rr.Header().Get("Cache-Control"), rr.Header().Get("Pragma"))
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	decodeBody(t, rr, &tokens)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.TokenType != "Bearer" {
		t.Fatalf("token response = %+v", tokens)
	}
	if tokens.Scope != "read write" {
		t.Errorf("scope = %q", tokens.Scope)
	}

	t.Run("code cannot be redeemed twice", func(t *testing.T) {
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithForm(exchange.Encode()))
		wantError(t, rr, http.StatusBadRequest, ErrorCodeInvalidGrant)
	})

	t.Run("refresh rotates", func(t *testing.T) {
		refresh := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {client.ClientID},
		}
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(refresh.Encode()))
		if rr.Code != http.StatusOK {
			t.Fatalf("refresh status = %d, body %s", rr.Code, rr.Body.String())
		}
		rr = env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(refresh.Encode()))
		wantError(t, rr, http.StatusBadRequest, ErrorCodeInvalidGrant)
	})

	t.Run("userinfo", func(t *testing.T) {
		rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/oauth/userinfo").
			WithHeader("Authorization", "Bearer "+tokens.AccessToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("userinfo status = %d, body %s", rr.Code, rr.Body.String())
		}
		var info UserInfoResponse
		decodeBody(t, rr, &info)
		if info.Sub != user.ID || info.Email != user.Email || info.TenantSlug == "" {
			t.Errorf("userinfo = %+v", info)
		}
	})
}

func TestHandler_ConfidentialClient(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})
	user := env.stack.SeedUser(t, "dev@example.com", "read")
	client := env.registerClient(t, "")
	if client.ClientSecret == "" || client.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Fatalf("registration = %+v", client)
	}
	if client.ClientSecretExpiresAt == nil || *client.ClientSecretExpiresAt != 0 {
		t.Errorf("client_secret_expires_at = %v", client.ClientSecretExpiresAt)
	}

	challenge, verifier := testutil.GeneratePKCEPair(t)
	code := env.authorize(t, client.ClientID, user.Email, challenge)
	exchange := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {client.ClientID},
		"client_secret": {"wrong-secret"},
	}

	// A well-formed Basic header wins over the body credentials.
	req := testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(exchange.Encode())
	basic := httptest.NewRequest(http.MethodPost, "/", nil)
	basic.SetBasicAuth(client.ClientID, client.ClientSecret)
	req.WithHeader("Authorization", basic.Header.Get("Authorization"))
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rr.Code, rr.Body.String())
	}

	t.Run("body secret is checked", func(t *testing.T) {
		code := env.authorize(t, client.ClientID, user.Email, challenge)
		exchange.Set("code", code)
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(exchange.Encode()))
		wantError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidClient)
	})
}

func TestHandler_AuthorizeErrors(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})
	user := env.stack.SeedUser(t, "dev@example.com", "read")
	client := env.registerClient(t, "none")

	t.Run("missing redirect_uri", func(t *testing.T) {
		rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/oauth/authorize?response_type=code&client_id="+client.ClientID))
		wantError(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)
	})

	t.Run("wrong password re-renders the form", func(t *testing.T) {
		form := url.Values{
			"client_id":      {client.ClientID},
			"redirect_uri":   {testRedirectURI},
			"scope":          {"read"},
			"state":          {"s"},
			"code_challenge": {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
			"email":          {user.Email},
			"password":       {"not-the-password"},
		}
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/authorize").WithForm(form.Encode()))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		body := rr.Body.String()
		testutil.AssertStringContains(t, body, "Invalid email or password")
		testutil.AssertStringContains(t, body, "<title>Herald - Sign In</title>")
		testutil.AssertStringContains(t, body, `name="state" value="s"`)
	})

	t.Run("missing credentials re-render the form", func(t *testing.T) {
		form := url.Values{"client_id": {client.ClientID}, "redirect_uri": {testRedirectURI}}
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/authorize").WithForm(form.Encode()))
		testutil.AssertStringContains(t, rr.Body.String(), "Email and password are required")
	})

	t.Run("form values are escaped", func(t *testing.T) {
		form := url.Values{
			"client_id":    {client.ClientID},
			"redirect_uri": {testRedirectURI},
			"state":        {`"><script>alert(1)</script>`},
		}
		rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/authorize").WithForm(form.Encode()))
		if strings.Contains(rr.Body.String(), "<script>") {
			t.Error("state was rendered unescaped")
		}
	})
}

func TestHandler_TokenErrors(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})

	rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm("grant_type=password"))
	wantError(t, rr, http.StatusBadRequest, ErrorCodeUnsupportedGrantType)
	var body ErrorResponse
	decodeBody(t, rr, &body)
	if body.ErrorDescription != "Grant type 'password' is not supported" {
		t.Errorf("description = %q", body.ErrorDescription)
	}

	rr = env.do(testutil.NewHTTPRequest(http.MethodPost, "/token").
		WithForm("grant_type=authorization_code&code=nope&code_verifier=v&client_id=unknown"))
	if rr.Code != http.StatusBadRequest && rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHandler_Metadata(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer + "/"})

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}
	var as AuthorizationServerMetadata
	decodeBody(t, rr, &as)
	if as.Issuer != testIssuer || as.TokenEndpoint != testIssuer+"/token" ||
		as.RegistrationEndpoint != testIssuer+"/oauth/register" || as.UserinfoEndpoint != testIssuer+"/oauth/userinfo" {
		t.Errorf("endpoints = %+v", as)
	}
	if strings.Join(as.CodeChallengeMethodsSupported, " ") != "S256 plain" {
		t.Errorf("code_challenge_methods_supported = %v", as.CodeChallengeMethodsSupported)
	}
	if strings.Join(as.ScopesSupported, " ") != "read write admin" {
		t.Errorf("scopes_supported = %v", as.ScopesSupported)
	}

	rr = env.do(testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-protected-resource"))
	var pr ProtectedResourceMetadata
	decodeBody(t, rr, &pr)
	if pr.Resource != testIssuer+"/mcp" || len(pr.AuthorizationServers) != 1 || pr.AuthorizationServers[0] != testIssuer {
		t.Errorf("protected resource = %+v", pr)
	}
}

func TestHandler_Issuer(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []struct {
		host string
		want string
	}{
		{"herald.example.com", "https://herald.example.com"},
		{"localhost:8080", "http://localhost:8080"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = tt.host
			if got := env.handler.issuer(req); got != tt.want {
				t.Errorf("issuer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler_CORSAndNotFound(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})

	for _, path := range []string{"/token", "/mcp", "/anything"} {
		rr := env.do(testutil.NewHTTPRequest(http.MethodOptions, path))
		if rr.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s status = %d", path, rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("OPTIONS %s missing CORS headers", path)
		}
	}

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/nope"))
	wantError(t, rr, http.StatusNotFound, ErrorCodeNotFound)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" || rr.Header().Get("Strict-Transport-Security") == "" {
		t.Errorf("security headers missing: %v", rr.Header())
	}

	local := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Host = "localhost:8080"
	rr = httptest.NewRecorder()
	local.routes.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS sent for a plain-http loopback issuer")
	}
}

func TestHandler_SignupAndLogin(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})

	signup := `{"tenant_name":"Acme","email":"founder@acme.test","password":"` + testutil.Password + `","name":"Founder"}`
	rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/signup").WithJSON(signup))
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created SignupResponse
	decodeBody(t, rr, &created)
	if created.User.Role != "owner" || !strings.HasPrefix(created.Tenant.Slug, "acme-") {
		t.Errorf("signup = %+v", created)
	}

	rr = env.do(testutil.NewHTTPRequest(http.MethodPost, "/login").
		WithForm("email=founder%40acme.test&password=" + testutil.Password))
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rr.Code, rr.Body.String())
	}
	var login LoginResponse
	decodeBody(t, rr, &login)
	if login.TokenType != "Bearer" || login.ExpiresIn != 3600 || login.User.TenantSlug != created.Tenant.Slug {
		t.Errorf("login = %+v", login)
	}

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing fields", `{"email":"founder@acme.test"}`, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"wrong password", `{"email":"founder@acme.test","password":"nope-nope"}`, http.StatusUnauthorized, ErrorCodeInvalidCredentials},
		{"unknown email", `{"email":"ghost@acme.test","password":"nope-nope"}`, http.StatusUnauthorized, ErrorCodeInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/login").WithJSON(tt.body))
			wantError(t, rr, tt.status, tt.code)
		})
	}
}

func TestHandler_UserInfoErrors(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/oauth/userinfo"))
	wantError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)
	testutil.AssertStringContains(t, rr.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	rr = env.do(testutil.NewHTTPRequest(http.MethodGet, "/oauth/userinfo").WithHeader("Authorization", "Bearer garbage"))
	wantError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *testEnv) rpc(t *testing.T, accessToken, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewHTTPRequest(http.MethodPost, "/mcp").WithJSON(body)
	if accessToken != "" {
		req.WithHeader("Authorization", "Bearer "+accessToken)
	}
	if sessionID != "" {
		req.WithHeader(SessionHeader, sessionID)
	}
	return e.do(req)
}

func TestHandler_MCP(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer})
	writer := env.stack.SeedUser(t, "writer@example.com", "read", "write")
	env.stack.SeedBucket(t, writer, "site", "read", "write")
	reader := env.stack.SeedUser(t, "reader@example.com", "read")
	env.stack.SeedBucket(t, reader, "docs", "read", "write")

	const initialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test"}}}`

	t.Run("info", func(t *testing.T) {
		rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/mcp"))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		testutil.AssertStringContains(t, rr.Body.String(), `"transport":"streamable-http"`)
	})

	t.Run("initialize without a bearer token", func(t *testing.T) {
		rr := env.rpc(t, "", "", initialize)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rr.Code)
		}
		want := `Bearer resource_metadata="` + testIssuer + `/.well-known/oauth-protected-resource"`
		if got := rr.Header().Get("WWW-Authenticate"); got != want {
			t.Errorf("WWW-Authenticate = %q, want %q", got, want)
		}
		var body map[string]string
		decodeBody(t, rr, &body)
		if body["error"] == "" {
			t.Error("body carries no error")
		}
	})

	t.Run("session lifecycle", func(t *testing.T) {
		accessToken := env.login(t, writer.Email)
		rr := env.rpc(t, accessToken, "", initialize)
		if rr.Code != http.StatusOK {
			t.Fatalf("initialize status = %d, body %s", rr.Code, rr.Body.String())
		}
		sessionID := rr.Header().Get(SessionHeader)
		if sessionID == "" {
			t.Fatal("initialize returned no session id")
		}

		rr = env.rpc(t, accessToken, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if rr.Code != http.StatusAccepted || rr.Body.Len() != 0 {
			t.Errorf("notification status = %d, body %q", rr.Code, rr.Body.String())
		}

		rr = env.rpc(t, accessToken, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		testutil.AssertStringContains(t, rr.Body.String(), `"publish_file"`)

		rr = env.rpc(t, accessToken, sessionID,
			`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"publish_file","arguments":{"file_path":"index.html","content":"<h1>hi</h1>"}}}`)
		var resp rpcResponse
		decodeBody(t, rr, &resp)
		if resp.Error != nil {
			t.Fatalf("tools/call error = %+v", resp.Error)
		}
		testutil.AssertStringContains(t, string(resp.Result), "Successfully uploaded to s3://herald-site/index.html")
		if _, _, ok := env.stack.Objects.Get(objectstore.Location{Bucket: "herald-site"}, "index.html"); !ok {
			t.Error("object was not stored")
		}

		rr = env.rpc(t, accessToken, "", `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
		decodeBody(t, rr, &resp)
		if resp.Error == nil || resp.Error.Code != -32000 {
			t.Errorf("ping without session = %+v", resp.Error)
		}
	})

	t.Run("insufficient scope names the required scope", func(t *testing.T) {
		accessToken := env.login(t, reader.Email)
		rr := env.rpc(t, accessToken, "", initialize)
		sessionID := rr.Header().Get(SessionHeader)

		rr = env.rpc(t, accessToken, sessionID,
			`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"publish_file","arguments":{"file_path":"a.txt","content":"x"}}}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp rpcResponse
		decodeBody(t, rr, &resp)
		if resp.Error == nil {
			t.Fatal("expected a JSON-RPC error")
		}
		testutil.AssertStringContains(t, resp.Error.Message, "write")
	})

	t.Run("session of another subject", func(t *testing.T) {
		writerToken := env.login(t, writer.Email)
		readerToken := env.login(t, reader.Email)
		rr := env.rpc(t, writerToken, "", initialize)
		sessionID := rr.Header().Get(SessionHeader)

		rr = env.rpc(t, readerToken, sessionID, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
		var resp rpcResponse
		decodeBody(t, rr, &resp)
		if resp.Error == nil || resp.Error.Code != -32002 {
			t.Errorf("foreign session = %+v", resp.Error)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Now())
		env.stack.Sessions.SetClock(clock.Now)
		env.stack.Store.SetClock(clock.Now)
		t.Cleanup(func() {
			env.stack.Sessions.SetClock(time.Now)
			env.stack.Store.SetClock(time.Now)
		})

		accessToken := env.login(t, writer.Email)
		rr := env.rpc(t, accessToken, "", initialize)
		sessionID := rr.Header().Get(SessionHeader)

		clock.Advance(25 * time.Hour)
		rr = env.rpc(t, accessToken, sessionID, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
		var resp rpcResponse
		decodeBody(t, rr, &resp)
		if resp.Error == nil || resp.Error.Code != -32002 {
			t.Errorf("expired session = %+v", resp.Error)
		}
	})

	t.Run("other methods", func(t *testing.T) {
		rr := env.do(testutil.NewHTTPRequest(http.MethodDelete, "/mcp"))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("DELETE status = %d", rr.Code)
		}
	})
}

func TestHandler_RateLimit(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer, RateLimit: RateLimitConfig{Rate: 0.001, Burst: 2}})

	var last *httptest.ResponseRecorder
	for range 3 {
		last = env.do(testutil.NewHTTPRequest(http.MethodPost, "/login").WithJSON(`{}`))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last.Code)
	}

	// Discovery is not limited.
	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server"))
	if rr.Code != http.StatusOK {
		t.Errorf("metadata status = %d", rr.Code)
	}
}

func TestHandler_RequestTimeout(t *testing.T) {
	env := newTestEnv(t, Config{Issuer: testIssuer, RequestTimeout: 50 * time.Millisecond})

	var hadDeadline bool
	env.routes.(chi.Router).Get("/slow", func(_ http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
		<-r.Context().Done()
	})

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/slow"))
	if !hadDeadline {
		t.Error("request context carried no deadline")
	}
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}

	if got := newTestEnv(t, Config{}).handler.config.RequestTimeout; got != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %s, want %s", got, DefaultRequestTimeout)
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"conflict", fmt.Errorf("wrapped: %w", storage.ErrConflict), ErrorCodeConflict, http.StatusConflict},
		{"internal", fmt.Errorf("database on fire"), ErrorCodeServerError, http.StatusInternalServerError},
		{"oauth", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oe := toOAuthError(tt.err)
			if oe.Code != tt.code || oe.Status != tt.status {
				t.Errorf("toOAuthError() = %+v", oe)
			}
		})
	}
}
