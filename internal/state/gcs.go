package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore keeps the snapshot as a single object in a Google Cloud Storage
// bucket. Object writes are atomic, which gives the same replace-or-nothing
// guarantee as the file store's temp-and-rename. Selected when the configured
// state path is a gs:// URI.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSStore creates a store for the given gs://bucket/object URI. It
// assumes Application Default Credentials are configured.
func NewGCSStore(ctx context.Context, uri string) (*GCSStore, error) {
	bucket, object, err := splitGCSURI(uri)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}

	return &GCSStore{client: client, bucket: bucket, object: object}, nil
}

// IsGCSPath reports whether the state path selects the GCS backend.
func IsGCSPath(path string) bool {
	return strings.HasPrefix(path, "gs://")
}

// Load reads the snapshot object, returning an empty state when it does not
// exist yet.
func (g *GCSStore) Load(ctx context.Context) (*ProcessingState, error) {
	rc, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("Load: reading gs://%s/%s: %w", g.bucket, g.object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Load: reading bytes: %w", err)
	}

	st := New()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("Load: parse gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return st, nil
}

// Save replaces the snapshot object.
func (g *GCSStore) Save(ctx context.Context, st *ProcessingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("Save: marshal: %w", err)
	}

	w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("Save: write gs://%s/%s: %w", g.bucket, g.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Save: finalize gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return nil
}

// Close releases the underlying storage client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func splitGCSURI(uri string) (bucket, object string, err error) {
	if !IsGCSPath(uri) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
