// Package blob is a GCS-backed overflow.BlobStore: one object per payload,
// named by the caller-supplied key. Put overwrites any existing object at
// that key without checking for it first; Get reports a missing object
// (ErrObjectNotExist) as a not-found error. It offers only the
// write/read/delete-by-key surface a blob-overflow store needs instead of a
// full document store (no listing: overflow.Store always holds the key).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Store writes one object per key into bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore opens a GCS client. It assumes the environment is already
// authenticated (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put writes data to an object named key and returns key as the reference
// Get and Delete later resolve.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blob: write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: close writer for %q: %w", key, err)
	}
	return key, nil
}

// Get reads the object stored at ref.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("blob: %q not found", ref)
		}
		return nil, fmt.Errorf("blob: open reader for %q: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: read %q: %w", ref, err)
	}
	return data, nil
}

// Delete removes the object stored at ref. A missing object is not an
// error: callers use Delete for best-effort cleanup once a task carrying
// the ref has reached a terminal state.
func (s *Store) Delete(ctx context.Context, ref string) error {
	err := s.client.Bucket(s.bucket).Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob: delete %q: %w", ref, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
