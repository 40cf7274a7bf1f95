package backend

import "errors"

var (
	ErrInvalidBucketName        = errors.New("invalid bucket name")
	ErrNoSuchBucket             = errors.New("no such bucket")
	ErrNoSuchKey                = errors.New("no such key")
	ErrNoSuchUpload             = errors.New("no such multipart upload")
	ErrBucketExists             = errors.New("bucket already exists")
	ErrBucketNotEmpty           = errors.New("bucket not empty")
	ErrEntityTooLarge           = errors.New("entity too large")
	ErrEntityTooSmall           = errors.New("entity too small")
	ErrInvalidRange             = errors.New("invalid range")
	ErrInvalidPart              = errors.New("invalid part")
	ErrInvalidPartNumber        = errors.New("invalid part number")
	ErrInvalidPartOrder         = errors.New("invalid part order")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrBadDigest                = errors.New("bad digest")
	ErrInvalidContinuationToken = errors.New("invalid continuation token")
	ErrMissingContentLength     = errors.New("missing content length")
)
