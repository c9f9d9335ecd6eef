package herald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/mcp"
	"github.com/heraldhq/herald/pkce"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/server"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

const (
	tokenTypeBearer = "Bearer"

	// SessionHeader carries the MCP session id in both directions.
	SessionHeader = "Mcp-Session-Id"

	protectedResourcePath = "/.well-known/oauth-protected-resource"
	authServerPath        = "/.well-known/oauth-authorization-server"
)

// Handler is a thin HTTP adapter over the authorization server and the MCP
// dispatcher. It handles HTTP requests and delegates business logic.
type Handler struct {
	server     *server.Server
	dispatcher *mcp.Dispatcher
	config     Config
	logger     *slog.Logger
	ipResolver security.IPResolver
	limiter    *security.RateLimiter
	tracer     trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, dispatcher *mcp.Dispatcher, cfg Config) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("authorization server is required")
	}
	if dispatcher == nil {
		return nil, errors.New("MCP dispatcher is required")
	}
	cfg = applyDefaults(cfg)
	if cfg.Issuer != "" {
		cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	}

	h := &Handler{
		server:     srv,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     cfg.Logger,
		ipResolver: security.IPResolver{
			TrustProxy:        cfg.RateLimit.TrustProxy,
			TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		},
		tracer: noop.NewTracerProvider().Tracer("http"),
	}
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	if cfg.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.Rate,
			Burst:             cfg.RateLimit.Burst,
			Name:              "ip",
		}, h.logger)
		h.limiter.OnLimited = h.recordRateLimitExceeded
	}
	return h, nil
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the router serving every Herald endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		security.RequestIDMiddleware,
		h.observe,
		middleware.Timeout(h.config.RequestTimeout),
		security.HeadersMiddleware(h.issuer),
		h.limitBody,
		h.cors,
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeOAuthError(w, ErrNotFound("Endpoint not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get(authServerPath, h.ServeAuthorizationServerMetadata)
	r.Get(protectedResourcePath, h.ServeProtectedResourceMetadata)
	r.Get(protectedResourcePath+"/mcp", h.ServeProtectedResourceMetadata)

	for _, p := range []string{"/authorize", "/oauth/authorize"} {
		r.Get(p, h.ServeAuthorization)
		r.Post(p, h.ServeAuthorizationLogin)
	}
	r.Get("/oauth/userinfo", h.ServeUserInfo)

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware(h.ipResolver.ClientIP))
		}
		r.Post("/token", h.ServeToken)
		r.Post("/oauth/token", h.ServeToken)
		r.Post("/oauth/register", h.ServeClientRegistration)
		r.Post("/signup", h.ServeSignup)
		r.Post("/login", h.ServeLogin)
	})

	r.Get("/mcp", h.ServeMCPInfo)
	r.Post("/mcp", h.ServeMCP)

	if inst := h.server.Instrumentation; inst != nil {
		r.Method(http.MethodGet, "/metrics", inst.Handler())
	}
	return r
}

// observe records request metrics and opens a server span named after the
// matched route.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "http.request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := "unmatched"
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + endpoint)
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		}
		if inst := h.server.Instrumentation; inst != nil {
			if inst.ShouldLogClientIPs() {
				instrumentation.AddSecurityAttributes(span, h.ipResolver.ClientIP(r))
			}
			inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(start).Microseconds())/1000)
		}
	})
}

// limitBody caps the request body at MaxBodyBytes.
func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// cors sets the CORS headers on every response and answers preflight
// requests for any path.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SessionHeader)
		w.Header().Set("Access-Control-Expose-Headers", SessionHeader+", WWW-Authenticate")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// issuer returns the configured issuer or derives one from the request.
// Plain HTTP is kept only for loopback hosts.
func (h *Handler) issuer(r *http.Request) string {
	if h.config.Issuer != "" {
		return h.config.Issuer
	}
	host := r.Host
	if h.config.RateLimit.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	scheme := "https"
	if r.TLS == nil && util.IsLoopbackHost(host) {
		scheme = "http"
	}
	return scheme + "://" + host
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.issuer(r)
	h.writeMetadata(w, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		UserinfoEndpoint:                  issuer + "/oauth/userinfo",
		ScopesSupported:                   h.config.ScopesSupported,
		ResponseTypesSupported:            server.SupportedResponseTypes,
		GrantTypesSupported:               server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: server.SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     pkce.SupportedMethods(),
		ServiceDocumentation:              h.config.ServiceDocumentation,
		UILocalesSupported:                []string{"en"},
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for /mcp.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.issuer(r)
	h.writeMetadata(w, ProtectedResourceMetadata{
		Resource:               issuer + "/mcp",
		AuthorizationServers:   []string{issuer},
		ScopesSupported:        h.config.ScopesSupported,
		BearerMethodsSupported: []string{"header"},
	})
}

func (h *Handler) writeMetadata(w http.ResponseWriter, body any) {
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(DefaultMetadataMaxAge/time.Second)))
	h.writeJSON(w, http.StatusOK, body)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), server.RegistrationRequest{
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	}, h.ipResolver.ClientIP(r))
	if err != nil {
		h.handleError(w, r, "client registration", err)
		return
	}

	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}
	if secret != "" {
		var never int64
		resp.ClientSecret = secret
		resp.ClientSecretExpiresAt = &never
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization validates an authorize request and renders the
// sign-in form.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, _, err := h.server.StartAuthorization(r.Context(), server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}, h.ipResolver.ClientIP(r))
	if err != nil {
		h.handleError(w, r, "authorization", err)
		return
	}
	h.renderLoginForm(w, loginFormData{Request: *req})
}

// ServeAuthorizationLogin authenticates the user from the sign-in form and
// redirects back to the client with a code. A failed sign-in re-renders
// the form.
func (h *Handler) ServeAuthorizationLogin(w http.ResponseWriter, r *http.Request) {
	params, err := h.readParams(r)
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	req := server.AuthorizationRequest{
		ResponseType:        server.ResponseTypeCode,
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}
	email, password := params.Get("email"), params.Get("password")
	if email == "" || password == "" {
		h.renderLoginForm(w, loginFormData{Request: req, Email: email, Error: "Email and password are required"})
		return
	}

	location, err := h.server.CompleteAuthorization(r.Context(), req, email, password, h.ipResolver.ClientIP(r))
	if errors.Is(err, server.ErrLoginFailed) {
		h.renderLoginForm(w, loginFormData{Request: req, Email: email, Error: "Invalid email or password"})
		return
	}
	if err != nil {
		h.handleError(w, r, "authorization", err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Pragma", "no-cache")

	params, err := h.readParams(r)
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	clientID, clientSecret := clientCredentials(r, params)

	resp, err := h.server.ExchangeToken(r.Context(), server.TokenRequest{
		GrantType:    params.Get("grant_type"),
		Code:         params.Get("code"),
		RedirectURI:  params.Get("redirect_uri"),
		CodeVerifier: params.Get("code_verifier"),
		RefreshToken: params.Get("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}, h.ipResolver.ClientIP(r))
	if err != nil {
		h.handleError(w, r, "token", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// clientCredentials prefers a well-formed Basic header over body parameters.
func clientCredentials(r *http.Request, params url.Values) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok && id != "" {
		if u, err := url.QueryUnescape(id); err == nil {
			id = u
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
		return id, secret
	}
	return params.Get("client_id"), params.Get("client_secret")
}

// ServeUserInfo returns the profile of the bearer token's subject.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	claims, oerr := h.authenticate(r)
	if oerr != nil {
		h.writeUnauthorizedError(w, r, oerr.Code, oerr.Description)
		return
	}
	user, err := h.server.UserInfo(r.Context(), claims)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeOAuthError(w, ErrNotFound("User not found"))
		return
	}
	if err != nil {
		h.handleError(w, r, "userinfo", err)
		return
	}
	h.writeJSON(w, http.StatusOK, UserInfoResponse{
		Sub:        user.ID,
		Email:      user.Email,
		Name:       user.Name,
		TenantID:   user.TenantID,
		TenantSlug: user.TenantSlug,
		TenantName: user.TenantName,
		Role:       user.Role,
		Scopes:     nonNil(user.Scopes),
	})
}

// ServeSignup creates a tenant and its owner.
func (h *Handler) ServeSignup(w http.ResponseWriter, r *http.Request) {
	params, err := h.readParams(r)
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	tenant, user, err := h.server.Signup(r.Context(), server.SignupRequest{
		TenantName: params.Get("tenant_name"),
		Email:      params.Get("email"),
		Password:   params.Get("password"),
		Name:       params.Get("name"),
	})
	if err != nil {
		h.handleError(w, r, "signup", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, SignupResponse{
		Tenant: TenantSummary{ID: tenant.ID, Name: tenant.Name, Slug: tenant.Slug},
		User:   UserSummary{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role},
	})
}

// ServeLogin issues an access token for an email and password without an
// OAuth client.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	params, err := h.readParams(r)
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	result, err := h.server.DirectLogin(r.Context(), params.Get("email"), params.Get("password"), h.ipResolver.ClientIP(r))
	if err != nil {
		h.handleError(w, r, "login", err)
		return
	}
	h.writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: result.AccessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   result.ExpiresIn,
		User: UserSummary{
			ID:         result.User.ID,
			Email:      result.User.Email,
			Name:       result.User.Name,
			TenantID:   result.User.TenantID,
			TenantSlug: result.User.TenantSlug,
		},
	})
}

// ServeMCPInfo describes the MCP endpoint.
func (h *Handler) ServeMCPInfo(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.dispatcher.Info())
}

// ServeMCP dispatches one JSON-RPC request for an authenticated caller.
func (h *Handler) ServeMCP(w http.ResponseWriter, r *http.Request) {
	claims, oerr := h.authenticate(r)
	if oerr != nil {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r, "", ""))
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": oerr.Description})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
			return
		}
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read request body"})
		return
	}

	reply := h.dispatcher.Dispatch(r.Context(), body, claims, r.Header.Get(SessionHeader))
	if reply.SessionID != "" {
		w.Header().Set(SessionHeader, reply.SessionID)
	}
	if reply.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, http.StatusOK, reply.Response)
}

// authenticate verifies the bearer token of r.
func (h *Handler) authenticate(r *http.Request) (*token.Claims, *OAuthError) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, ErrInvalidToken("Missing Authorization header")
	}
	claims, err := h.server.Tokens().VerifyAccessToken(r.Context(), raw)
	if err != nil {
		if !errors.Is(err, token.ErrInvalidCredential) {
			h.logger.Error("Access token verification failed", "error", err)
		}
		return nil, ErrInvalidToken("Invalid or expired token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// readParams merges the query string with a form or JSON body. JSON
// values that are not strings are ignored.
func (h *Handler) readParams(r *http.Request) (url.Values, error) {
	params := r.URL.Query()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for k, v := range body {
			if s, ok := v.(string); ok {
				params.Set(k, s)
			}
		}
		return params, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range r.PostForm {
		params[k] = v
	}
	return params, nil
}

// handleError logs unexpected failures and writes the wire form of err.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	oe := toOAuthError(err)
	if oe.Code == ErrorCodeServerError {
		h.logger.Error("Request failed",
			"operation", operation,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeOAuthError(w, oe)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oe *OAuthError) {
	h.writeError(w, oe.Code, oe.Description, oe.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

// writeUnauthorizedError writes a 401 Unauthorized response with a
// WWW-Authenticate challenge pointing at the protected resource metadata.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, r *http.Request, code, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r, code, description))
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728
//
// Example output:
//
//	Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	       error="invalid_token",
//	       error_description="Token has expired"
func (h *Handler) formatWWWAuthenticate(r *http.Request, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`resource_metadata="%s"`, h.issuer(r)+protectedResourcePath)}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters!)
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}
	return "Bearer " + strings.Join(params, ", ")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) recordRateLimitExceeded(r *http.Request, key string) {
	h.server.Auditor.LogRateLimitExceeded(r.Context(), key, h.limiter.Name())
	if inst := h.server.Instrumentation; inst != nil {
		inst.Metrics().RecordRateLimitExceeded(context.WithoutCancel(r.Context()), h.limiter.Name())
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
