// Package memory provides in-memory store implementations for development
// and tests. They mirror the production contracts, including WORM versioning
// and conditional lease claims.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snapvault/snapvault/internal/capture"
)

// ArtifactStore stores artifacts in memory. Writes to an existing key append
// a new version, matching the immutable store's behavior under persist
// retries.
type ArtifactStore struct {
	mu       sync.RWMutex
	versions map[string][][]byte
	meta     map[string]capture.ObjectMeta
}

// NewArtifactStore creates a new in-memory artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		versions: make(map[string][][]byte),
		meta:     make(map[string]capture.ObjectMeta),
	}
}

// Put persists the content as a new version and returns a memory:// location.
func (s *ArtifactStore) Put(_ context.Context, key, _ string, data []byte, meta capture.ObjectMeta) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[key] = append(s.versions[key], append([]byte(nil), data...))
	s.meta[key] = meta
	return "memory://" + key, nil
}

// Get returns the latest version stored under the location's key.
func (s *ArtifactStore) Get(_ context.Context, location string) ([]byte, error) {
	key := strings.TrimPrefix(location, "memory://")
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[key]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: object %s", capture.ErrNotFound, location)
	}
	latest := versions[len(versions)-1]
	return append([]byte(nil), latest...), nil
}

// SignedURL returns a pseudo reference; memory artifacts need no signing.
func (s *ArtifactStore) SignedURL(_ context.Context, location string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strings.TrimPrefix(location, "memory://")
	if _, ok := s.versions[key]; !ok {
		return "", fmt.Errorf("%w: object %s", capture.ErrNotFound, location)
	}
	return fmt.Sprintf("%s?expires_in=%ds", location, int(ttl.Seconds())), nil
}

// VersionCount reports how many versions exist under a key.
func (s *ArtifactStore) VersionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions[key])
}

// Meta returns the object metadata recorded with the latest write.
func (s *ArtifactStore) Meta(key string) (capture.ObjectMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[key]
	return meta, ok
}

// Replace swaps the stored bytes out-of-band, bypassing the write-once
// contract. It exists to simulate corruption in tamper-detection tests.
func (s *ArtifactStore) Replace(location string, data []byte) error {
	key := strings.TrimPrefix(location, "memory://")
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.versions[key]
	if !ok || len(versions) == 0 {
		return fmt.Errorf("%w: object %s", capture.ErrNotFound, location)
	}
	versions[len(versions)-1] = append([]byte(nil), data...)
	return nil
}
