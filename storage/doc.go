// Package storage defines the persistence interfaces used by the authorization
// server, the session manager and the tool handlers.
//
// Implementations live in subpackages:
//   - storage/memory: maps guarded by a mutex, for development and tests
//   - storage/sqlite: database/sql over modernc.org/sqlite with goose migrations
//   - storage/redis: a SessionStore backed by Redis key expiry
//
// storage/storagetest holds the behavioural suite every Store must pass.
package storage
