// Package memory provides an in-process objectstore.Store for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heraldhq/herald/objectstore"
)

type object struct {
	body         []byte
	contentType  string
	lastModified time.Time
}

// Store keeps objects in memory, keyed by bucket and key.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*object
	now     func() time.Time
}

var _ objectstore.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		buckets: make(map[string]map[string]*object),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores body under key.
func (s *Store) Put(_ context.Context, loc objectstore.Location, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[loc.Bucket]
	if !ok {
		bucket = make(map[string]*object)
		s.buckets[loc.Bucket] = bucket
	}
	bucket[key] = &object{
		body:         append([]byte(nil), body...),
		contentType:  contentType,
		lastModified: s.now(),
	}
	return nil
}

// PresignPut returns a URL that identifies the upload target. It cannot be
// used to upload.
func (s *Store) PresignPut(_ context.Context, loc objectstore.Location, key, contentType string, expires time.Duration) (string, error) {
	q := url.Values{}
	q.Set("content-type", contentType)
	q.Set("expires", fmt.Sprintf("%d", int(expires.Seconds())))
	u := url.URL{Scheme: "memory", Host: loc.Bucket, Path: "/" + key, RawQuery: q.Encode()}
	return u.String(), nil
}

// List returns up to maxKeys objects under prefix in key order.
func (s *Store) List(_ context.Context, loc objectstore.Location, prefix string, maxKeys int) (*objectstore.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.buckets[loc.Bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	listing := &objectstore.Listing{}
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
		listing.Truncated = true
	}
	for _, key := range keys {
		obj := s.buckets[loc.Bucket][key]
		listing.Objects = append(listing.Objects, objectstore.Object{
			Key:          key,
			Size:         int64(len(obj.body)),
			LastModified: obj.lastModified,
		})
	}
	return listing, nil
}

// Head returns the object's metadata or objectstore.ErrNotFound.
func (s *Store) Head(_ context.Context, loc objectstore.Location, key string) (*objectstore.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[loc.Bucket][key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return &objectstore.Object{Key: key, Size: int64(len(obj.body)), LastModified: obj.lastModified}, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, loc objectstore.Location, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[loc.Bucket], key)
	return nil
}

// Get returns a copy of the stored body and its content type.
func (s *Store) Get(loc objectstore.Location, key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[loc.Bucket][key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.body...), obj.contentType, true
}
