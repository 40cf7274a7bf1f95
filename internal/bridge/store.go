// Package bridge implements the proxy's storage interface on top of the
// native B2 API: bucket-name resolution, streamed object transfer, listing
// translation and the multipart upload state machine.
package bridge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/drausal/b2-reverse-proxy/internal/b2"
	"github.com/drausal/b2-reverse-proxy/internal/backend"
)

const (
	defaultMaxKeys = 1000
	// listPageSize caps how many entries one backend listing call requests.
	listPageSize = 1000
)

// Options tunes a Store.
type Options struct {
	// BucketCacheTTL bounds how long a bucket-name resolution is reused.
	BucketCacheTTL time.Duration
	// SessionTTL bounds how long an idle multipart session survives.
	SessionTTL time.Duration
	// MinPartSize overrides the part-size floor reported by the backend.
	// Zero means use the backend's advertised minimum.
	MinPartSize int64
}

// Store implements backend.Store against B2.
type Store struct {
	client      *b2.Client
	buckets     *bucketCache
	sessions    *sessionTable
	logger      *slog.Logger
	minPartSize int64
}

var _ backend.Store = (*Store)(nil)

// New builds a Store around an authorized client.
func New(client *b2.Client, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BucketCacheTTL <= 0 {
		opts.BucketCacheTTL = time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &Store{
		client:      client,
		buckets:     newBucketCache(client, opts.BucketCacheTTL),
		sessions:    newSessionTable(opts.SessionTTL),
		logger:      logger,
		minPartSize: opts.MinPartSize,
	}
}

// Ready reports whether the backend account is reachable and authorized.
func (s *Store) Ready(ctx context.Context) error {
	_, err := s.client.AccountID(ctx)
	return err
}

func isB2Code(err error, codes ...string) bool {
	var apiErr *b2.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}

func (s *Store) ListBuckets(ctx context.Context) ([]backend.BucketInfo, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]backend.BucketInfo, 0, len(buckets))
	for _, bkt := range buckets {
		s.buckets.store(bkt)
		out = append(out, backend.BucketInfo{
			Name: bkt.Name,
			ID:   bkt.ID,
			// The backend does not report bucket creation times.
			CreationDate: time.Unix(0, 0).UTC(),
		})
	}
	return out, nil
}

func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	created, err := s.client.CreateBucket(ctx, bucket)
	if err != nil {
		if isB2Code(err, "duplicate_bucket_name") {
			return fmt.Errorf("create bucket %q: %w", bucket, backend.ErrBucketExists)
		}
		if isB2Code(err, "bad_request", "invalid_bucket_name") {
			return fmt.Errorf("create bucket %q: %w", bucket, backend.ErrInvalidBucketName)
		}
		return err
	}
	s.buckets.store(created)
	return nil
}

func (s *Store) DeleteBucket(ctx context.Context, bucket string) error {
	bkt, err := s.buckets.resolve(ctx, bucket)
	if err != nil {
		return err
	}
	if err := s.client.DeleteBucket(ctx, bkt.ID); err != nil {
		if isB2Code(err, "cannot_delete_non_empty_bucket") {
			return fmt.Errorf("delete bucket %q: %w", bucket, backend.ErrBucketNotEmpty)
		}
		if isB2Code(err, "bad_bucket_id", "bad_request") {
			s.buckets.invalidate(bucket)
			return fmt.Errorf("delete bucket %q: %w", bucket, backend.ErrNoSuchBucket)
		}
		return err
	}
	s.buckets.invalidate(bucket)
	return nil
}

func (s *Store) HeadBucket(ctx context.Context, bucket string) error {
	_, err := s.buckets.resolve(ctx, bucket)
	return err
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta backend.ObjectMetadata) (backend.ObjectInfo, error) {
	bkt, err := s.buckets.resolve(ctx, bucket)
	if err != nil {
		return backend.ObjectInfo{}, err
	}
	target, err := s.client.GetUploadURL(ctx, bkt.ID)
	if err != nil {
		return backend.ObjectInfo{}, err
	}
	if meta.ContentLength < 0 {
		return backend.ObjectInfo{}, fmt.Errorf("put %q: %w", key, backend.ErrMissingContentLength)
	}

	info, err := s.client.UploadFile(ctx, target, b2.UploadFileRequest{
		Name:        key,
		ContentType: meta.ContentType,
		Size:        meta.ContentLength,
		Body:        body,
		Info:        meta.UserMetadata,
	})
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return backend.ObjectInfo{}, fmt.Errorf("put %q: %w", key, backend.ErrEntityTooLarge)
		}
		return backend.ObjectInfo{}, err
	}
	return backend.ObjectInfo{
		Bucket:   bucket,
		Key:      key,
		Size:     info.Size,
		ETag:     etagForFile(&info),
		Modified: info.Uploaded(),
	}, nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, backend.ObjectMetadata, error) {
	if _, err := s.buckets.resolve(ctx, bucket); err != nil {
		return nil, backend.ObjectMetadata{}, err
	}
	res, err := s.client.DownloadByName(ctx, bucket, key, "", false)
	if err != nil {
		return nil, backend.ObjectMetadata{}, mapDownloadError(err, key)
	}
	return res.Body, metadataFromDownload(res), nil
}

func (s *Store) GetObjectRange(ctx context.Context, bucket, key, rangeHeader string) (io.ReadCloser, backend.ObjectMetadata, int64, int64, error) {
	if _, err := s.buckets.resolve(ctx, bucket); err != nil {
		return nil, backend.ObjectMetadata{}, 0, 0, err
	}
	res, err := s.client.DownloadByName(ctx, bucket, key, rangeHeader, false)
	if err != nil {
		return nil, backend.ObjectMetadata{}, 0, 0, mapDownloadError(err, key)
	}
	if !res.Partial {
		// The backend ignored the range; satisfy it as a full read.
		return res.Body, metadataFromDownload(res), 0, res.TotalSize - 1, nil
	}
	return res.Body, metadataFromDownload(res), res.Start, res.End, nil
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (backend.ObjectMetadata, error) {
	if _, err := s.buckets.resolve(ctx, bucket); err != nil {
		return backend.ObjectMetadata{}, err
	}
	res, err := s.client.DownloadByName(ctx, bucket, key, "", true)
	if err != nil {
		return backend.ObjectMetadata{}, mapDownloadError(err, key)
	}
	return metadataFromDownload(res), nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	bkt, err := s.buckets.resolve(ctx, bucket)
	if err != nil {
		return err
	}
	listing, err := s.client.ListFileNames(ctx, b2.ListFileNamesRequest{
		BucketID:      bkt.ID,
		StartFileName: key,
		Prefix:        key,
		MaxFileCount:  1,
	})
	if err != nil {
		return err
	}
	// Deleting a missing object succeeds.
	if len(listing.Files) == 0 || listing.Files[0].Name != key || listing.Files[0].Action != "upload" {
		return nil
	}
	err = s.client.DeleteFileVersion(ctx, key, listing.Files[0].ID)
	if err != nil && isB2Code(err, "file_not_present", "not_found") {
		return nil
	}
	return err
}

func (s *Store) ListObjectsV2(ctx context.Context, bucket string, opts backend.ListObjectsOptions) (backend.ListObjectsResult, error) {
	bkt, err := s.buckets.resolve(ctx, bucket)
	if err != nil {
		return backend.ListObjectsResult{}, err
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	startName := ""
	skipExact := ""
	switch {
	case opts.ContinuationToken != "":
		startName, err = decodeContinuationToken(opts.ContinuationToken)
		if err != nil {
			return backend.ListObjectsResult{}, err
		}
	case opts.StartAfter != "":
		// The backend cursor is inclusive; start at the marker and drop it
		// if it comes back.
		startName = opts.StartAfter
		skipExact = opts.StartAfter
	}

	var result backend.ListObjectsResult
	seenPrefixes := make(map[string]bool)
	cursor := startName

	for len(result.Objects)+len(result.CommonPrefixes) < maxKeys {
		remaining := maxKeys - len(result.Objects) - len(result.CommonPrefixes)
		pageSize := remaining + 1
		if skipExact != "" {
			pageSize++
		}
		if pageSize > listPageSize {
			pageSize = listPageSize
		}

		page, err := s.client.ListFileNames(ctx, b2.ListFileNamesRequest{
			BucketID:      bkt.ID,
			StartFileName: cursor,
			Prefix:        opts.Prefix,
			Delimiter:     opts.Delimiter,
			MaxFileCount:  pageSize,
		})
		if err != nil {
			return backend.ListObjectsResult{}, err
		}

		for _, f := range page.Files {
			if f.Name == skipExact && f.Action != "folder" {
				continue
			}
			if len(result.Objects)+len(result.CommonPrefixes) >= maxKeys {
				result.IsTruncated = true
				result.NextContinuationToken = encodeContinuationToken(f.Name)
				return result, nil
			}
			if f.Action == "folder" {
				if !seenPrefixes[f.Name] {
					seenPrefixes[f.Name] = true
					result.CommonPrefixes = append(result.CommonPrefixes, f.Name)
				}
				continue
			}
			if f.Action != "upload" {
				continue
			}
			result.Objects = append(result.Objects, backend.ObjectInfo{
				Bucket:   bucket,
				Key:      f.Name,
				Size:     f.Size,
				ETag:     etagForFile(&f),
				Modified: f.Uploaded(),
			})
		}

		if page.NextFileName == nil {
			return result, nil
		}
		cursor = *page.NextFileName
	}

	// maxKeys entries gathered with more remaining at the cursor.
	result.IsTruncated = true
	result.NextContinuationToken = encodeContinuationToken(cursor)
	return result, nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key string, meta backend.ObjectMetadata) (string, error) {
	bkt, err := s.buckets.resolve(ctx, bucket)
	if err != nil {
		return "", err
	}
	info, err := s.client.StartLargeFile(ctx, bkt.ID, key, meta.ContentType, meta.UserMetadata)
	if err != nil {
		return "", err
	}
	session := s.sessions.create(bucket, key, info.ID)
	s.logger.Debug("multipart upload started", "bucket", bucket, "key", key, "upload_id", session.id)
	return session.id, nil
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, size int64, body io.Reader) (backend.MultipartPartInfo, error) {
	if partNumber < 1 || partNumber > maxPartNumber {
		return backend.MultipartPartInfo{}, fmt.Errorf("part number %d out of range: %w", partNumber, backend.ErrInvalidPartNumber)
	}
	if size < 0 {
		return backend.MultipartPartInfo{}, fmt.Errorf("part %d: %w", partNumber, backend.ErrMissingContentLength)
	}
	session, err := s.sessions.lookup(bucket, key, uploadID)
	if err != nil {
		return backend.MultipartPartInfo{}, err
	}

	session.mu.Lock()
	if session.state != sessionOpen {
		session.mu.Unlock()
		return backend.MultipartPartInfo{}, fmt.Errorf("upload %q is no longer open: %w", uploadID, backend.ErrNoSuchUpload)
	}
	fileID := session.fileID
	session.mu.Unlock()

	// Each part gets its own single-use upload endpoint so concurrent parts
	// never contend for one.
	target, err := s.client.GetUploadPartURL(ctx, fileID)
	if err != nil {
		return backend.MultipartPartInfo{}, err
	}
	part, err := s.client.UploadPart(ctx, target, partNumber, size, body)
	if err != nil {
		return backend.MultipartPartInfo{}, err
	}

	now := time.Now().UTC()
	rec := recordedPart{
		number:   part.PartNumber,
		size:     part.Size,
		sha1:     part.ContentSha1,
		modified: now,
	}
	session.mu.Lock()
	session.parts[part.PartNumber] = rec
	session.lastActivity = now
	session.mu.Unlock()

	return backend.MultipartPartInfo{
		PartNumber:   part.PartNumber,
		Size:         part.Size,
		ETag:         part.ContentSha1,
		LastModified: now,
	}, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []backend.CompletedPart) (backend.ObjectInfo, error) {
	session, err := s.sessions.lookup(bucket, key, uploadID)
	if err != nil {
		return backend.ObjectInfo{}, err
	}

	minPartSize := s.minPartSize
	if minPartSize <= 0 {
		if _, backendMin, err := s.client.PartSizes(ctx); err == nil {
			minPartSize = backendMin
		}
	}

	session.mu.Lock()
	if session.state != sessionOpen {
		session.mu.Unlock()
		return backend.ObjectInfo{}, fmt.Errorf("upload %q is no longer open: %w", uploadID, backend.ErrNoSuchUpload)
	}
	sha1s, err := session.validateCompletion(parts, minPartSize)
	if err != nil {
		session.mu.Unlock()
		return backend.ObjectInfo{}, err
	}
	session.state = sessionCompleting
	session.mu.Unlock()

	info, err := s.client.FinishLargeFile(ctx, session.fileID, sha1s)
	if err != nil {
		session.mu.Lock()
		session.state = sessionOpen
		session.mu.Unlock()
		return backend.ObjectInfo{}, err
	}
	s.sessions.remove(uploadID)
	s.logger.Debug("multipart upload completed", "bucket", bucket, "key", key, "upload_id", uploadID, "parts", len(parts))

	return backend.ObjectInfo{
		Bucket:   bucket,
		Key:      key,
		Size:     info.Size,
		ETag:     multipartETag(sha1s),
		Modified: info.Uploaded(),
	}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	session, err := s.sessions.lookup(bucket, key, uploadID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	switch session.state {
	case sessionAborted:
		session.mu.Unlock()
		return nil
	case sessionCompleting:
		session.mu.Unlock()
		return fmt.Errorf("upload %q is completing: %w", uploadID, backend.ErrNoSuchUpload)
	}
	session.state = sessionAborted
	session.lastActivity = time.Now()
	session.mu.Unlock()

	// The local transition is authoritative and the tombstone keeps repeat
	// aborts succeeding; backend cancellation is best-effort.
	if err := s.client.CancelLargeFile(ctx, session.fileID); err != nil && !isB2Code(err, "bad_request", "not_found") {
		s.logger.Warn("cancel large file failed", "upload_id", uploadID, "error", err)
	}
	return nil
}

func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string, opts backend.ListPartsOptions) (backend.ListPartsResult, error) {
	session, err := s.sessions.lookup(bucket, key, uploadID)
	if err != nil {
		return backend.ListPartsResult{}, err
	}
	session.mu.Lock()
	open := session.state == sessionOpen
	session.mu.Unlock()
	if !open {
		return backend.ListPartsResult{}, fmt.Errorf("upload %q is no longer open: %w", uploadID, backend.ErrNoSuchUpload)
	}

	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	var result backend.ListPartsResult
	for _, rec := range session.recordedParts() {
		if rec.number <= opts.PartNumberMarker {
			continue
		}
		if len(result.Parts) >= maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, backend.MultipartPartInfo{
			PartNumber:   rec.number,
			Size:         rec.size,
			ETag:         rec.sha1,
			LastModified: rec.modified,
		})
	}
	if len(result.Parts) > 0 {
		result.NextPartNumberMarker = result.Parts[len(result.Parts)-1].PartNumber
	}
	return result, nil
}

// SweepSessions aborts multipart sessions idle past the TTL. Aborted
// tombstones are dropped once their own TTL lapses. It returns how many
// sessions were reaped.
func (s *Store) SweepSessions(ctx context.Context) int {
	expired := s.sessions.expire()
	for _, session := range expired {
		session.mu.Lock()
		cancel := session.state != sessionAborted
		session.mu.Unlock()
		if !cancel {
			continue
		}
		if err := s.client.CancelLargeFile(ctx, session.fileID); err != nil && !isB2Code(err, "bad_request", "not_found") {
			s.logger.Warn("sweep: cancel large file failed", "upload_id", session.id, "error", err)
		}
	}
	return len(expired)
}

func mapDownloadError(err error, key string) error {
	var apiErr *b2.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		return fmt.Errorf("object %q: %w", key, backend.ErrNoSuchKey)
	case http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("object %q: %w", key, backend.ErrInvalidRange)
	}
	return err
}

func metadataFromDownload(res *b2.DownloadResult) backend.ObjectMetadata {
	size := res.TotalSize
	if !res.Partial {
		size = res.File.Size
	}
	return backend.ObjectMetadata{
		ContentType:   res.File.ContentType,
		ContentLength: size,
		ETag:          etagForFile(&res.File),
		LastModified:  res.File.Uploaded(),
		UserMetadata:  res.File.Info,
	}
}

// etagForFile derives a stable opaque ETag for an object. Simple uploads use
// the stored SHA1; assembled large files report no digest, so their file id
// stands in.
func etagForFile(f *b2.FileInfo) string {
	if f.ContentSha1 != "" && f.ContentSha1 != "none" {
		return f.ContentSha1
	}
	sum := md5.Sum([]byte(f.ID))
	return hex.EncodeToString(sum[:])
}

// multipartETag composes the completed-object ETag from the part digests in
// the S3 style: a digest over the parts plus the part count.
func multipartETag(partSha1s []string) string {
	h := md5.New()
	for _, digest := range partSha1s {
		io.WriteString(h, digest)
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(partSha1s))
}
