// Package redis provides a Redis-backed storage.SessionStore so MCP sessions
// can be shared by several herald replicas while the relational data stays in
// SQLite.
//
// Each session is a hash under "{prefix}session:{id}" whose key expiry equals
// the session's expires_at. Touching a session rewrites last_activity_at with
// a Lua script so the key TTL is never extended.
package redis
