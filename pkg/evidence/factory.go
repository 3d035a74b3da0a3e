package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the evidence storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeMemory StoreType = "memory"
)

// NewStoreFromEnv creates an evidence store based on environment variables.
//
// Environment variables:
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "s3", "gcs" or "memory"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or EVIDENCE_S3_REGION
//   - EVIDENCE_S3_BUCKET (required)
//   - EVIDENCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EVIDENCE_S3_PREFIX (optional)
//
// For GCS:
//   - EVIDENCE_GCS_BUCKET (required)
//   - EVIDENCE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "evidence"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported evidence storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
	})
}
