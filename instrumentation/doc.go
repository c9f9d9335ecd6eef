// Package instrumentation provides OpenTelemetry metrics and tracing for Herald.
//
// Metrics are exported through a Prometheus registry owned by the
// Instrumentation value and served by Handler, which the HTTP layer mounts at
// /metrics. When Config.Enabled is false every provider is a no-op and Handler
// answers 404.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "herald",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP:
//   - herald.http.requests.total{method, endpoint, status}
//   - herald.http.request.duration{endpoint}
//
// OAuth:
//   - herald.oauth.client.registered{client_type, auto}
//   - herald.oauth.authorization.completed{pkce_method}
//   - herald.oauth.code.exchanged{pkce_method}
//   - herald.oauth.token.refreshed
//   - herald.oauth.grant.failed{grant_type, error}
//   - herald.oauth.login.failed{surface}
//
// Security:
//   - herald.rate_limit.exceeded{limiter_type}
//   - herald.pkce.validation_failed{method}
//   - herald.code.reuse_detected, herald.token.reuse_detected
//   - herald.audit.events.total{event_type}
//   - herald.encryption.operations.total{operation}
//
// MCP:
//   - herald.mcp.sessions.created, herald.mcp.sessions.rejected{reason}
//   - herald.mcp.tool.calls.total{tool, outcome}, herald.mcp.tool.call.duration{tool}
//   - herald.objectstore.bytes.uploaded
//
// Storage:
//   - herald.storage.operation.total{operation, result}
//   - herald.storage.operation.duration{operation}
//   - herald.storage.{clients,codes,refresh_tokens,sessions}.count
//
// Span attributes never carry credential values; see the Attr constants.
package instrumentation
