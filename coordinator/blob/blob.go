// Package blob exposes the object storage interface used for ceremony
// artifacts. Implementations must support multipart upload sessions and
// pre-signed URLs for direct client transfers.
package blob

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zkmpc/coordinator/coordinator/types"
)

// ErrNoSuchUpload is returned when an upload id does not name an open
// multipart session.
var ErrNoSuchUpload = errors.New("no such multipart upload")

// ErrNoSuchObject is returned when a bucket or object does not exist.
var ErrNoSuchObject = errors.New("no such object")

// SignedURL is a pre-signed request for one upload part or one read.
type SignedURL struct {
	URL        string    `json:"url"`
	PartNumber int       `json:"partNumber,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store is the object storage contract for ceremony artifacts.
type Store interface {
	CreateBucket(ctx context.Context, bucket string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	UploadObject(ctx context.Context, bucket, key, localPath string) error
	DownloadObject(ctx context.Context, bucket, key, localPath string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	SignGetObjectURL(ctx context.Context, bucket, key string) (*SignedURL, error)

	// Multipart session surface. Parts are numbered from 1. CompleteMultipartUpload
	// validates the reported (partNumber, eTag) tuples against the stored parts.
	CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error)
	SignUploadPartURLs(ctx context.Context, bucket, key, uploadID string, numberOfParts int) ([]*SignedURL, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.Chunk) (string, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}
