// Package gcs stores screenshot blobs in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config selects the bucket and an optional key prefix for uploads.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore uploads screenshot bytes as bucket objects and hands back
// their gs:// URIs.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New wraps an existing storage client. The caller owns the client's
// lifecycle.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs: nil storage client")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("gcs: bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject streams r into the bucket under key and returns the object's
// gs:// URI. The write is committed by Close, so any upload error surfaces
// there.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("gcs: object key is required")
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		// Close anyway so the resumable session is abandoned.
		_ = w.Close()
		return "", fmt.Errorf("gcs: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: commit %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
