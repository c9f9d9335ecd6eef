// Package mcp serves the Model Context Protocol over JSON-RPC 2.0.
//
// The Dispatcher decodes one request body, enforces the initialize-first
// session state machine and routes the method. initialize creates a session
// bound to the bearer token's subject; every other method except
// notifications/cancelled requires that session. tools/call additionally
// requires the tool's scope, or admin.
//
// Transport concerns (bearer authentication, the Mcp-Session-Id header and
// HTTP status codes) belong to the caller.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/util"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/session"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
	"github.com/heraldhq/herald/tools"
)

const (
	// ProtocolVersion is the MCP revision the server speaks.
	ProtocolVersion = "2025-03-26"

	// ServerName and ServerVersion identify the server in initialize.
	ServerName    = "herald-mcp-server"
	ServerVersion = "1.0.0"

	// Transport names the HTTP transport.
	Transport = "streamable-http"

	// DefaultCallTimeout bounds one request when Config.CallTimeout is zero.
	DefaultCallTimeout = 30 * time.Second

	// adminScope satisfies every tool scope.
	adminScope = "admin"
)

// Tool call outcomes recorded in metrics.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeFailure = "failure"
)

// Config configures a Dispatcher. Zero values select the defaults.
type Config struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	Instructions    string

	// CallTimeout is the deadline for dispatching one request, covering the
	// session lookups and the tool handler.
	CallTimeout time.Duration
}

// InitializeResult is the result of initialize.
type InitializeResult struct {
	ProtocolVersion string               `json:"protocolVersion"`
	Capabilities    session.Capabilities `json:"capabilities"`
	ServerInfo      mcpgo.Implementation `json:"serverInfo"`
	Instructions    string               `json:"instructions,omitempty"`
}

// Info describes the endpoint to plain GET requests.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Protocol  string `json:"protocol"`
	Transport string `json:"transport"`
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      json.RawMessage `json:"clientInfo"`
}

type toolsListResult struct {
	Tools []mcpgo.Tool `json:"tools"`
}

// Reply is the outcome of dispatching one request.
type Reply struct {
	// Response is the body to write. It is nil for notifications that
	// succeeded.
	Response *Response

	// SessionID is set when initialize created a session.
	SessionID string
}

// Dispatcher routes JSON-RPC requests.
type Dispatcher struct {
	sessions        *session.Manager
	tools           *tools.Registry
	config          Config
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// NewDispatcher returns a Dispatcher over sessions and registry.
func NewDispatcher(sessions *session.Manager, registry *tools.Registry, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ServerName
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = ServerVersion
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = ProtocolVersion
	}
	if cfg.Instructions == "" {
		cfg.Instructions = Instructions
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		tools:    registry,
		config:   cfg,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("mcp"),
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor.
func (d *Dispatcher) SetAuditor(a *security.Auditor) { d.auditor = a }

// SetInstrumentation enables tracing and tool metrics.
func (d *Dispatcher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	d.instrumentation = inst
	if inst != nil {
		d.tracer = inst.Tracer("mcp")
	}
}

// Info returns the endpoint description.
func (d *Dispatcher) Info() Info {
	return Info{
		Name:      d.config.ServerName,
		Version:   d.config.ServerVersion,
		Protocol:  d.config.ProtocolVersion,
		Transport: Transport,
	}
}

// Dispatch handles one request body on behalf of the token's subject.
// sessionID is the session presented by the client, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, claims *token.Claims, sessionID string) *Reply {
	req, rpcErr := parseRequest(body)
	if rpcErr != nil {
		d.logger.Debug("Rejected JSON-RPC request", "error", rpcErr.Message)
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return &Reply{Response: errorResponse(id, rpcErr)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	method := ParseMethod(req.Method)
	ctx, span := d.tracer.Start(ctx, "mcp.dispatch")
	defer span.End()
	instrumentation.AddMCPAttributes(span, req.Method, "")

	result, newSessionID, rpcErr := d.route(ctx, req, method, claims, sessionID)
	if rpcErr != nil {
		span.SetAttributes(attribute.Int("mcp.error_code", rpcErr.Code))
		return &Reply{Response: errorResponse(req.ID, rpcErr)}
	}
	instrumentation.SetSpanSuccess(span)

	reply := &Reply{SessionID: newSessionID}
	if req.IsNotification() {
		return reply
	}
	if result == nil {
		result = struct{}{}
	}
	resp, err := resultResponse(req.ID, result)
	if err != nil {
		instrumentation.RecordError(span, err)
		d.logger.Error("Failed to encode JSON-RPC result", "method", req.Method, "error", err)
		return &Reply{Response: errorResponse(req.ID, newError(CodeInternalError, "Internal error"))}
	}
	reply.Response = resp
	return reply
}

func (d *Dispatcher) route(ctx context.Context, req *Request, method Method, claims *token.Claims, sessionID string) (any, string, *Error) {
	if method == MethodInitialize {
		return d.initialize(ctx, req, claims)
	}

	var sess *storage.Session
	if method.requiresSession() && (method != MethodInitialized || sessionID != "") {
		var rpcErr *Error
		sess, rpcErr = d.validateSession(ctx, sessionID, claims)
		if rpcErr != nil {
			return nil, "", rpcErr
		}
	}

	switch method {
	case MethodInitialized, MethodCancelled:
		return nil, "", nil
	case MethodPing:
		return struct{}{}, "", nil
	case MethodToolsList:
		return toolsListResult{Tools: d.tools.List()}, "", nil
	case MethodToolsCall:
		result, rpcErr := d.callTool(ctx, req, claims, sess)
		return result, "", rpcErr
	default:
		return nil, "", newError(CodeMethodNotFound, "Method not found: %s", req.Method)
	}
}

func (d *Dispatcher) initialize(ctx context.Context, req *Request, claims *token.Claims) (any, string, *Error) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, "", newError(CodeInvalidParams, "Invalid params: %v", err)
		}
	}

	caps, id, err := d.sessions.Initialize(ctx, params.ClientInfo, params.Capabilities, claims)
	if err != nil {
		d.logger.Error("Failed to initialize session", "error", err)
		return nil, "", newError(CodeInternalError, "Internal error")
	}

	var client mcpgo.Implementation
	if len(params.ClientInfo) > 0 {
		_ = json.Unmarshal(params.ClientInfo, &client)
	}
	d.logger.Info("MCP client initialized",
		"client_name", client.Name,
		"client_version", client.Version,
		"client_protocol", params.ProtocolVersion,
		"session_id", util.SafeTruncate(id, 8))

	return InitializeResult{
		ProtocolVersion: d.config.ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      mcpgo.Implementation{Name: d.config.ServerName, Version: d.config.ServerVersion},
		Instructions:    d.config.Instructions,
	}, id, nil
}

func (d *Dispatcher) validateSession(ctx context.Context, sessionID string, claims *token.Claims) (*storage.Session, *Error) {
	sess, err := d.sessions.Validate(ctx, sessionID, claims)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotInitialized):
		return nil, newError(CodeNotInitialized, "Session not initialized. Call initialize first.")
	case errors.Is(err, session.ErrInvalidSession):
		return nil, newError(CodeInvalidSession, "Invalid or expired session")
	default:
		d.logger.Error("Failed to validate session", "error", err)
		return nil, newError(CodeInternalError, "Internal error")
	}
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request, claims *token.Claims, sess *storage.Session) (any, *Error) {
	var params mcpgo.CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, newError(CodeInvalidParams, "Invalid params: %v", err)
		}
	}
	if params.Name == "" {
		return nil, newError(CodeInvalidParams, "Missing tool name")
	}

	tool, ok := d.tools.Lookup(params.Name)
	if !ok {
		return nil, newError(CodeMethodNotFound, "Tool not found: %s", params.Name)
	}

	if !claims.HasScope(tool.RequiredScope) && !claims.HasScope(adminScope) {
		d.logger.Warn("Tool call denied for insufficient scope",
			"tool", params.Name,
			"required_scope", tool.RequiredScope)
		d.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventToolScopeDenied,
			UserID:   claims.Subject,
			TenantID: claims.TenantID,
			ClientID: claims.ClientID,
			Details: map[string]any{
				"tool":           params.Name,
				"required_scope": tool.RequiredScope,
				"scope":          claims.Scope,
			},
		})
		return nil, newError(CodeInvalidRequest, "Insufficient scope. Required: %s, has: %v", tool.RequiredScope, claims.Scopes())
	}

	caller := tools.Caller{
		TenantID:  sess.TenantID,
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		Scopes:    claims.Scopes(),
	}
	call := mcpgo.CallToolRequest{Params: params}

	ctx, span := d.tracer.Start(ctx, "mcp.tool_call")
	defer span.End()
	instrumentation.AddMCPAttributes(span, MethodToolsCall.String(), params.Name)
	instrumentation.AddOAuthFlowAttributes(span, "", caller.UserID, "")
	span.SetAttributes(attribute.String(instrumentation.AttrTenantID, caller.TenantID))

	start := d.now()
	result, err := runTool(tools.WithCaller(ctx, caller), tool, caller, call)
	outcome := outcomeSuccess
	switch {
	case err != nil:
		outcome = outcomeFailure
		instrumentation.RecordError(span, err)
		d.logger.Error("Tool execution failed",
			"tool", params.Name,
			"tenant_id", caller.TenantID,
			"error", err)
		result = mcpgo.NewToolResultError(fmt.Sprintf("Tool execution failed: %s", params.Name))
	case result.IsError:
		outcome = outcomeError
	default:
		instrumentation.SetSpanSuccess(span)
	}
	if d.instrumentation != nil {
		d.instrumentation.Metrics().RecordToolCall(ctx, params.Name, outcome, float64(d.now().Sub(start).Milliseconds()))
	}
	return result, nil
}

// runTool invokes the handler, converting panics and missing results into
// errors.
func runTool(ctx context.Context, tool tools.Tool, caller tools.Caller, call mcpgo.CallToolRequest) (result *mcpgo.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	result, err = tool.Handler(ctx, caller, call)
	if err == nil && result == nil {
		err = fmt.Errorf("tool %s returned no result", tool.Name())
	}
	return result, err
}

// parseRequest decodes and validates the envelope. The returned request is
// non-nil whenever the body was a JSON object, so that errors can echo its id.
func parseRequest(body []byte) (*Request, *Error) {
	if !json.Valid(body) {
		var probe any
		err := json.Unmarshal(body, &probe)
		return nil, newError(CodeParseError, "Invalid JSON: %v", err)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newError(CodeInvalidRequest, "Invalid request: %v", err)
	}
	if req.JSONRPC != Version {
		return &req, newError(CodeInvalidRequest, "Invalid JSON-RPC version")
	}
	if req.Method == "" {
		return &req, newError(CodeInvalidRequest, "Missing method")
	}
	return &req, nil
}
