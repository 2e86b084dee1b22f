// Package gcs provides an ArtifactStore backed by Google Cloud Storage.
//
// Buckets used with this store are expected to carry object-retention
// configuration; the store attaches a per-object retention lock and the
// content digest as object metadata on every write.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/snapvault/snapvault/internal/capture"
)

const retentionModeLocked = "Locked"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// ArtifactStore writes capture artifacts to a configured GCS bucket.
type ArtifactStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads data under key with a retention lock and integrity metadata and
// returns a gs:// location. Writing an existing key produces a new object
// generation; the locked prior generation is never mutated.
func (s *ArtifactStore) Put(ctx context.Context, key, contentType string, data []byte, meta capture.ObjectMeta) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	writer.Metadata = map[string]string{
		"capture-id":      meta.CaptureID,
		"owner-id":        meta.OwnerID,
		"content-digest":  meta.Digest,
		"retention-class": string(meta.Retention),
	}
	if !meta.RetainUntil.IsZero() {
		writer.Retention = &storage.ObjectRetention{
			Mode:        retentionModeLocked,
			RetainUntil: meta.RetainUntil,
		}
	}

	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("%w: write object: %v (close writer: %v)", capture.ErrTransient, err, closeErr)
		}
		return "", fmt.Errorf("%w: write object: %v", capture.ErrTransient, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: close writer: %v", capture.ErrTransient, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Get reads the artifact bytes back from a gs:// location for verification.
func (s *ArtifactStore) Get(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := splitLocation(location)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, fmt.Errorf("%w: object %s", capture.ErrNotFound, location)
		}
		return nil, fmt.Errorf("%w: open object: %v", capture.ErrUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read object: %v", capture.ErrUnavailable, err)
	}
	return data, nil
}

// SignedURL issues a short-lived V4 read URL for the artifact.
func (s *ArtifactStore) SignedURL(_ context.Context, location string, ttl time.Duration) (string, error) {
	bucket, key, err := splitLocation(location)
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return url, nil
}

func splitLocation(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "gs://")
	if trimmed == location {
		return "", "", fmt.Errorf("location %q is not a gs:// reference", location)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("location %q is missing bucket or key", location)
	}
	return parts[0], parts[1], nil
}
