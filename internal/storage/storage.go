// Package storage mirrors downloaded project results to object storage.
package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions names the destination of a mirrored result.
type UploadOptions struct {
	Bucket      string
	Key         string
	ContentType string
	// Metadata is stored with the object, see ResultMetadata.
	Metadata         map[string]string
	ProgressCallback func(done, total int64)
}

// Service is the object store results are mirrored to. It also backs the
// local API's listing, cleanup and share-link endpoints.
type Service interface {
	UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
