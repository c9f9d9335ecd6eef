// Package objectstore defines the object operations the publishing tools
// perform against tenant buckets.
package objectstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Head when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Location identifies a bucket and how to reach it.
type Location struct {
	Bucket string
	Region string

	// RoleARN, when set, is assumed through STS before accessing the bucket.
	RoleARN string

	// SessionName names the assumed-role session.
	SessionName string
}

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Listing is one page of ListObjects results.
type Listing struct {
	Objects   []Object
	Truncated bool
}

// Store performs object operations. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, loc Location, key string, body []byte, contentType string) error
	PresignPut(ctx context.Context, loc Location, key, contentType string, expires time.Duration) (string, error)
	List(ctx context.Context, loc Location, prefix string, maxKeys int) (*Listing, error)
	Head(ctx context.Context, loc Location, key string) (*Object, error)
	Delete(ctx context.Context, loc Location, key string) error
}

// JoinPrefix combines a bucket prefix and a grant's prefix restriction into
// the folder all of a user's keys live under. The result is empty or ends
// in a slash.
func JoinPrefix(bucketPrefix, restriction string) string {
	prefix := bucketPrefix
	if restriction != "" {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		prefix += restriction
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Key builds the full object key for filePath under the given prefixes.
func Key(bucketPrefix, restriction, filePath string) string {
	return JoinPrefix(bucketPrefix, restriction) + strings.TrimLeft(filePath, "/")
}
