package backend

import (
	"context"
	"io"
	"time"
)

// BucketInfo describes a bucket as it appears on the S3 surface, together
// with the backend identifier it resolves to.
type BucketInfo struct {
	Name         string
	ID           string
	CreationDate time.Time
}

// ObjectMetadata carries the headers surfaced for an object on read paths.
type ObjectMetadata struct {
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
	UserMetadata  map[string]string
}

// ObjectInfo summarizes a stored object for list and write responses.
type ObjectInfo struct {
	Bucket   string
	Key      string
	Size     int64
	ETag     string
	Modified time.Time
}

type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	StartAfter        string
	MaxKeys           int
}

type ListObjectsResult struct {
	Objects               []ObjectInfo
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

type CompletedPart struct {
	PartNumber int
	ETag       string
}

type MultipartPartInfo struct {
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

type ListPartsResult struct {
	Parts                []MultipartPartInfo
	IsTruncated          bool
	NextPartNumberMarker int
}

// Store defines the S3-shaped operations the proxy dispatches to. The bridge
// package implements it against the native B2 API; tests substitute fakes.
type Store interface {
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	HeadBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta ObjectMetadata) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectMetadata, error)
	GetObjectRange(ctx context.Context, bucket, key, rangeHeader string) (io.ReadCloser, ObjectMetadata, int64, int64, error)
	HeadObject(ctx context.Context, bucket, key string) (ObjectMetadata, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjectsV2(ctx context.Context, bucket string, opts ListObjectsOptions) (ListObjectsResult, error)

	CreateMultipartUpload(ctx context.Context, bucket, key string, meta ObjectMetadata) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, size int64, body io.Reader) (MultipartPartInfo, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListParts(ctx context.Context, bucket, key, uploadID string, opts ListPartsOptions) (ListPartsResult, error)
}
