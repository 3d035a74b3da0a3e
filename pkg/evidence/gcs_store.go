//go:build gcp

package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed evidence store (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) PutEvidence(ctx context.Context, tenant, ref string, data []byte) error {
	key, err := refKey(tenant, ref)
	if err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)

	reader, err := obj.NewReader(ctx)
	if err == nil {
		existing, rerr := io.ReadAll(reader)
		_ = reader.Close()
		if rerr != nil {
			return fmt.Errorf("gcs read failed: %w", rerr)
		}
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMismatch, ref)
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs read failed: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) ReadEvidence(ctx context.Context, tenant, ref string) ([]byte, error) {
	key, err := refKey(tenant, ref)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, ref)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	return data, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
