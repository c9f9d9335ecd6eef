package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments recorded by Herald
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	ClientRegistered       metric.Int64Counter
	AuthorizationCompleted metric.Int64Counter
	CodeExchanged          metric.Int64Counter
	TokenRefreshed         metric.Int64Counter
	GrantFailed            metric.Int64Counter
	LoginFailed            metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// MCP Metrics
	SessionsCreated          metric.Int64Counter
	SessionValidationFailed  metric.Int64Counter
	ToolCallsTotal           metric.Int64Counter
	ToolCallDuration         metric.Float64Histogram
	ObjectStoreBytesUploaded metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageSessionsCount      metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	target      *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

type gaugeSpec struct {
	target      *metric.Int64ObservableGauge
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	mcpMeter := inst.Meter("mcp")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "herald.http.requests.total", "Total number of HTTP requests", "{request}"},

		{&m.ClientRegistered, serverMeter, "herald.oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.AuthorizationCompleted, serverMeter, "herald.oauth.authorization.completed", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "herald.oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "herald.oauth.token.refreshed", "Number of refresh grants served", "{refresh}"},
		{&m.GrantFailed, serverMeter, "herald.oauth.grant.failed", "Number of rejected token requests", "{failure}"},
		{&m.LoginFailed, serverMeter, "herald.oauth.login.failed", "Number of rejected password logins", "{failure}"},

		{&m.RateLimitExceeded, securityMeter, "herald.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "herald.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "herald.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}"},
		{&m.TokenReuseDetected, securityMeter, "herald.token.reuse_detected", "Number of refresh token reuse attempts", "{attempt}"},
		{&m.AuditEventsTotal, securityMeter, "herald.audit.events.total", "Total number of audit events", "{event}"},
		{&m.EncryptionOperationsTotal, securityMeter, "herald.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}"},

		{&m.SessionsCreated, mcpMeter, "herald.mcp.sessions.created", "Number of MCP sessions initialized", "{session}"},
		{&m.SessionValidationFailed, mcpMeter, "herald.mcp.sessions.rejected", "Number of requests rejected for session errors", "{request}"},
		{&m.ToolCallsTotal, mcpMeter, "herald.mcp.tool.calls.total", "Total number of tool invocations", "{call}"},
		{&m.ObjectStoreBytesUploaded, mcpMeter, "herald.objectstore.bytes.uploaded", "Bytes written to object storage", "By"},

		{&m.StorageOperationTotal, storageMeter, "herald.storage.operation.total", "Total number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "herald.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.ToolCallDuration, mcpMeter, "herald.mcp.tool.call.duration", "Tool invocation duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "herald.storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.EncryptionDuration, securityMeter, "herald.encryption.duration", "Encryption/decryption duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name, metric.WithDescription(h.description), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.target = histogram
	}

	gauges := []gaugeSpec{
		{&m.StorageClientsCount, "herald.storage.clients.count", "Number of registered clients", "{client}"},
		{&m.StorageCodesCount, "herald.storage.codes.count", "Number of stored authorization codes", "{code}"},
		{&m.StorageRefreshTokensCount, "herald.storage.refresh_tokens.count", "Number of stored refresh tokens", "{token}"},
		{&m.StorageSessionsCount, "herald.storage.sessions.count", "Number of stored MCP sessions", "{session}"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration.
// clientType is "public" or "confidential"; auto marks allow-list registrations.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string, auto bool) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
		attribute.Bool("auto", auto),
	))
}

// RecordAuthorizationCompleted records an authorization code being issued
func (m *Metrics) RecordAuthorizationCompleted(ctx context.Context, pkceMethod string) {
	m.AuthorizationCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context) {
	m.TokenRefreshed.Add(ctx, 1)
}

// RecordGrantFailed records a rejected token request with its OAuth error code
func (m *Metrics) RecordGrantFailed(ctx context.Context, grantType, errorCode string) {
	m.GrantFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordLoginFailed records a rejected password login
func (m *Metrics) RecordLoginFailed(ctx context.Context, surface string) {
	m.LoginFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surface)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordSessionCreated records an MCP session being initialized
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionRejected records a request rejected for a session error
func (m *Metrics) RecordSessionRejected(ctx context.Context, reason string) {
	m.SessionValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall records a tool invocation and its outcome ("ok", "error", "denied")
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, durationMs float64) {
	m.ToolCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
	m.ToolCallDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordBytesUploaded records bytes written to object storage
func (m *Metrics) RecordBytesUploaded(ctx context.Context, n int64) {
	m.ObjectStoreBytesUploaded.Add(ctx, n)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
