// Package memory provides an in-memory implementation of every storage
// interface.
//
// All maps are guarded by one sync.RWMutex, so the conditional updates behind
// ConsumeAuthorizationCode and RotateRefreshToken are atomic. A background
// goroutine drops expired codes, sessions and refresh tokens until Stop is
// called.
//
// The store loses everything on restart and cannot be shared between
// replicas; use the sqlite package for anything beyond development and tests.
//
//	store := memory.New()
//	defer store.Stop()
package memory
