package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/drausal/b2-reverse-proxy/internal/b2"
	"github.com/drausal/b2-reverse-proxy/internal/b2/b2test"
	"github.com/drausal/b2-reverse-proxy/internal/backend"
	"github.com/drausal/b2-reverse-proxy/internal/s3err"
)

func newTestStore(t *testing.T) (*Store, *b2test.Server) {
	t.Helper()
	srv := b2test.NewServer()
	t.Cleanup(srv.Close)
	auth := b2.NewAuthorizer(b2test.KeyID, b2test.AppKey, srv.AuthorizeURL(), http.DefaultClient, nil)
	client := b2.NewClient(auth, http.DefaultClient, b2.DefaultRetryPolicy(), nil)
	return New(client, Options{}, nil), srv
}

func mustCreateBucket(t *testing.T, s *Store, name string) {
	t.Helper()
	if err := s.CreateBucket(context.Background(), name); err != nil {
		t.Fatalf("CreateBucket(%q): %v", name, err)
	}
}

func mustPut(t *testing.T, s *Store, bucket, key, data string) backend.ObjectInfo {
	t.Helper()
	info, err := s.PutObject(context.Background(), bucket, key, strings.NewReader(data), backend.ObjectMetadata{
		ContentType:   "application/octet-stream",
		ContentLength: int64(len(data)),
	})
	if err != nil {
		t.Fatalf("PutObject(%q): %v", key, err)
	}
	return info
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	payload := "round trip payload"
	put := mustPut(t, store, "media", "a/b.txt", payload)
	if put.Size != int64(len(payload)) || put.ETag == "" {
		t.Fatalf("unexpected put info: %+v", put)
	}

	body, meta, err := store.GetObject(ctx, "media", "a/b.txt")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("body mismatch: %q", got)
	}
	if meta.ETag != put.ETag {
		t.Fatalf("etag changed across put/get: %q vs %q", put.ETag, meta.ETag)
	}
	if meta.ContentLength != int64(len(payload)) {
		t.Fatalf("unexpected content length %d", meta.ContentLength)
	}

	head, err := store.HeadObject(ctx, "media", "a/b.txt")
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if head.ETag != put.ETag || head.ContentLength != int64(len(payload)) {
		t.Fatalf("head disagrees with put: %+v", head)
	}
}

func TestGetObjectMissing(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	mustCreateBucket(t, store, "media")

	_, _, err := store.GetObject(context.Background(), "media", "nope")
	if !errors.Is(err, backend.ErrNoSuchKey) {
		t.Fatalf("expected ErrNoSuchKey, got %v", err)
	}
	_, _, err = store.GetObject(context.Background(), "absent-bucket", "nope")
	if !errors.Is(err, backend.ErrNoSuchBucket) {
		t.Fatalf("expected ErrNoSuchBucket, got %v", err)
	}
}

func TestGetObjectRange(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")
	mustPut(t, store, "media", "blob", strings.Repeat("x", 90)+"0123456789")

	body, meta, start, end, err := store.GetObjectRange(ctx, "media", "blob", "bytes=90-94")
	if err != nil {
		t.Fatalf("GetObjectRange: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if string(got) != "01234" || start != 90 || end != 94 {
		t.Fatalf("unexpected slice %q (%d-%d)", got, start, end)
	}
	if meta.ContentLength != 100 {
		t.Fatalf("expected total size 100, got %d", meta.ContentLength)
	}

	_, _, _, _, err = store.GetObjectRange(ctx, "media", "blob", "bytes=200-210")
	if !errors.Is(err, backend.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")
	mustPut(t, store, "media", "doomed", "bytes")

	if err := store.DeleteObject(ctx, "media", "doomed"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "media", "doomed"); err != nil {
		t.Fatalf("second delete must succeed: %v", err)
	}
	if _, _, err := store.GetObject(ctx, "media", "doomed"); !errors.Is(err, backend.ErrNoSuchKey) {
		t.Fatalf("object still visible after delete: %v", err)
	}
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "alpha")

	if err := store.CreateBucket(ctx, "alpha"); !errors.Is(err, backend.ErrBucketExists) {
		t.Fatalf("expected ErrBucketExists, got %v", err)
	}
	if err := store.HeadBucket(ctx, "alpha"); err != nil {
		t.Fatalf("HeadBucket: %v", err)
	}

	mustPut(t, store, "alpha", "k", "v")
	if err := store.DeleteBucket(ctx, "alpha"); !errors.Is(err, backend.ErrBucketNotEmpty) {
		t.Fatalf("expected ErrBucketNotEmpty, got %v", err)
	}
	if err := store.DeleteObject(ctx, "alpha", "k"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := store.DeleteBucket(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if err := store.HeadBucket(ctx, "alpha"); !errors.Is(err, backend.ErrNoSuchBucket) {
		t.Fatalf("expected ErrNoSuchBucket after delete, got %v", err)
	}
}

func TestListObjectsDelimiter(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")
	for _, key := range []string{"photos/2023/a.jpg", "photos/2023/b.jpg", "photos/2024/c.jpg", "readme.txt"} {
		mustPut(t, store, "media", key, "data")
	}

	res, err := store.ListObjectsV2(ctx, "media", backend.ListObjectsOptions{Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(res.CommonPrefixes) != 1 || res.CommonPrefixes[0] != "photos/" {
		t.Fatalf("unexpected common prefixes: %v", res.CommonPrefixes)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "readme.txt" {
		t.Fatalf("unexpected objects: %+v", res.Objects)
	}

	res, err = store.ListObjectsV2(ctx, "media", backend.ListObjectsOptions{Prefix: "photos/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjectsV2 with prefix: %v", err)
	}
	if len(res.CommonPrefixes) != 2 || res.CommonPrefixes[0] != "photos/2023/" || res.CommonPrefixes[1] != "photos/2024/" {
		t.Fatalf("unexpected nested prefixes: %v", res.CommonPrefixes)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("expected no direct objects under photos/, got %+v", res.Objects)
	}
}

func TestListObjectsPagination(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")
	keys := []string{"a", "b", "c", "d", "e"}
	for _, key := range keys {
		mustPut(t, store, "media", key, "data")
	}

	var got []string
	token := ""
	pages := 0
	for {
		res, err := store.ListObjectsV2(ctx, "media", backend.ListObjectsOptions{MaxKeys: 2, ContinuationToken: token})
		if err != nil {
			t.Fatalf("ListObjectsV2 page %d: %v", pages, err)
		}
		for _, obj := range res.Objects {
			got = append(got, obj.Key)
		}
		pages++
		if !res.IsTruncated {
			break
		}
		if res.NextContinuationToken == "" {
			t.Fatal("truncated page without continuation token")
		}
		token = res.NextContinuationToken
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	if strings.Join(got, ",") != "a,b,c,d,e" {
		t.Fatalf("unexpected keys: %v", got)
	}
}

func TestListObjectsStartAfter(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")
	for _, key := range []string{"a", "b", "c"} {
		mustPut(t, store, "media", key, "data")
	}

	res, err := store.ListObjectsV2(ctx, "media", backend.ListObjectsOptions{StartAfter: "a"})
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "b" || res.Objects[1].Key != "c" {
		t.Fatalf("start-after must be exclusive: %+v", res.Objects)
	}
}

func TestListObjectsBadToken(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	mustCreateBucket(t, store, "media")

	_, err := store.ListObjectsV2(context.Background(), "media", backend.ListObjectsOptions{ContinuationToken: "not base64!"})
	if !errors.Is(err, backend.ErrInvalidContinuationToken) {
		t.Fatalf("expected ErrInvalidContinuationToken, got %v", err)
	}
}

func TestContinuationTokenRoundTrip(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"plain", "with/slash", "uniçode ☃", "trailing "} {
		token := encodeContinuationToken(name)
		got, err := decodeContinuationToken(token)
		if err != nil {
			t.Fatalf("decode(%q): %v", name, err)
		}
		if got != name {
			t.Fatalf("token did not round-trip: %q became %q", name, got)
		}
	}
}

func TestMultipartLifecycle(t *testing.T) {
	t.Parallel()
	store, srv := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	uploadID, err := store.CreateMultipartUpload(ctx, "media", "big.bin", backend.ObjectMetadata{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	chunks := []string{"11111", "22222", "333"}
	var completed []backend.CompletedPart
	for i, chunk := range chunks {
		part, err := store.UploadPart(ctx, "media", "big.bin", uploadID, i+1, int64(len(chunk)), strings.NewReader(chunk))
		if err != nil {
			t.Fatalf("UploadPart %d: %v", i+1, err)
		}
		completed = append(completed, backend.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
	}

	listed, err := store.ListParts(ctx, "media", "big.bin", uploadID, backend.ListPartsOptions{})
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(listed.Parts) != 3 || listed.Parts[2].PartNumber != 3 {
		t.Fatalf("unexpected parts: %+v", listed.Parts)
	}

	info, err := store.CompleteMultipartUpload(ctx, "media", "big.bin", uploadID, completed)
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}
	if info.Size != 13 || !strings.HasSuffix(info.ETag, "-3") {
		t.Fatalf("unexpected completed info: %+v", info)
	}
	if got := srv.ObjectData("media", "big.bin"); string(got) != "1111122222333" {
		t.Fatalf("assembled object mismatch: %q", got)
	}

	// The session is gone once completed.
	_, err = store.CompleteMultipartUpload(ctx, "media", "big.bin", uploadID, completed)
	if !errors.Is(err, backend.ErrNoSuchUpload) {
		t.Fatalf("expected ErrNoSuchUpload after completion, got %v", err)
	}
}

func TestCompleteRejectsBadPartListWithoutBackendCall(t *testing.T) {
	t.Parallel()
	store, srv := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	uploadID, err := store.CreateMultipartUpload(ctx, "media", "big.bin", backend.ObjectMetadata{})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	part1, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 1, 5, strings.NewReader("11111"))
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	part2, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 2, 5, strings.NewReader("22222"))
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	cases := []struct {
		name  string
		parts []backend.CompletedPart
		want  error
	}{
		{"empty", nil, backend.ErrInvalidPart},
		{"descending", []backend.CompletedPart{{PartNumber: 2, ETag: part2.ETag}, {PartNumber: 1, ETag: part1.ETag}}, backend.ErrInvalidPartOrder},
		{"duplicate", []backend.CompletedPart{{PartNumber: 1, ETag: part1.ETag}, {PartNumber: 1, ETag: part1.ETag}}, backend.ErrInvalidPartOrder},
		{"never uploaded", []backend.CompletedPart{{PartNumber: 1, ETag: part1.ETag}, {PartNumber: 7, ETag: "deadbeef"}}, backend.ErrInvalidPart},
		{"missing part", []backend.CompletedPart{{PartNumber: 1, ETag: part1.ETag}}, backend.ErrInvalidPart},
		{"etag mismatch", []backend.CompletedPart{{PartNumber: 1, ETag: "deadbeef"}, {PartNumber: 2, ETag: part2.ETag}}, backend.ErrInvalidPart},
	}
	for _, tc := range cases {
		if _, err := store.CompleteMultipartUpload(ctx, "media", "big.bin", uploadID, tc.parts); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if calls := srv.Calls("b2_finish_large_file"); calls != 0 {
		t.Fatalf("rejected completions must make zero finish calls, got %d", calls)
	}

	// The upload is still usable after rejected completions.
	all := []backend.CompletedPart{{PartNumber: 1, ETag: part1.ETag}, {PartNumber: 2, ETag: part2.ETag}}
	if _, err := store.CompleteMultipartUpload(ctx, "media", "big.bin", uploadID, all); err != nil {
		t.Fatalf("valid completion after rejections: %v", err)
	}
}

func TestCompleteRejectsUndersizedNonFinalPart(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	uploadID, err := store.CreateMultipartUpload(ctx, "media", "big.bin", backend.ObjectMetadata{})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	// Part 1 is below the fake backend's 5 byte minimum; part 2 may be small
	// because it is final.
	part1, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 1, 3, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	part2, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 2, 2, strings.NewReader("de"))
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	parts := []backend.CompletedPart{
		{PartNumber: 1, ETag: part1.ETag},
		{PartNumber: 2, ETag: part2.ETag},
	}
	_, err = store.CompleteMultipartUpload(ctx, "media", "big.bin", uploadID, parts)
	if !errors.Is(err, backend.ErrEntityTooSmall) {
		t.Fatalf("expected ErrEntityTooSmall, got %v", err)
	}
}

func TestAbortMultipartUploadIdempotent(t *testing.T) {
	t.Parallel()
	store, srv := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	uploadID, err := store.CreateMultipartUpload(ctx, "media", "big.bin", backend.ObjectMetadata{})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 1, 5, strings.NewReader("11111")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	if err := store.AbortMultipartUpload(ctx, "media", "big.bin", uploadID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if srv.LargeFileCount() != 0 {
		t.Fatalf("expected backend large file cancelled, %d remain", srv.LargeFileCount())
	}

	// Aborting again succeeds, and further part uploads are refused.
	if err := store.AbortMultipartUpload(ctx, "media", "big.bin", uploadID); err != nil {
		t.Fatalf("repeat abort: %v", err)
	}
	if _, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 2, 5, strings.NewReader("22222")); !errors.Is(err, backend.ErrNoSuchUpload) {
		t.Fatalf("expected ErrNoSuchUpload after abort, got %v", err)
	}

	if err := store.AbortMultipartUpload(ctx, "media", "big.bin", "unknown-id"); !errors.Is(err, backend.ErrNoSuchUpload) {
		t.Fatalf("expected ErrNoSuchUpload for unknown id, got %v", err)
	}
}

func TestUploadPartValidation(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	uploadID, err := store.CreateMultipartUpload(ctx, "media", "big.bin", backend.ObjectMetadata{})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := store.UploadPart(ctx, "media", "big.bin", uploadID, 0, 1, strings.NewReader("x")); !errors.Is(err, backend.ErrInvalidPartNumber) {
		t.Fatalf("part 0 must be rejected, got %v", err)
	}
	_, err = store.UploadPart(ctx, "media", "big.bin", uploadID, 10001, 1, strings.NewReader("x"))
	if !errors.Is(err, backend.ErrInvalidPartNumber) {
		t.Fatalf("part 10001 must be rejected, got %v", err)
	}
	if code := s3err.MapError(err).Code; code != "InvalidArgument" {
		t.Fatalf("out-of-range part number must surface as InvalidArgument, got %s", code)
	}
	if _, err := store.UploadPart(ctx, "media", "other-key", uploadID, 1, 1, strings.NewReader("x")); !errors.Is(err, backend.ErrNoSuchUpload) {
		t.Fatalf("mismatched key must be rejected, got %v", err)
	}
}

func TestCancelledPutLeavesNoObject(t *testing.T) {
	t.Parallel()
	store, srv := newTestStore(t)
	mustCreateBucket(t, store, "media")

	ctx, cancel := context.WithCancel(context.Background())
	blocker := &cancellingReader{cancel: cancel}
	_, err := store.PutObject(ctx, "media", "victim", blocker, backend.ObjectMetadata{ContentLength: 1 << 20})
	if err == nil {
		t.Fatal("expected cancelled put to fail")
	}
	if got := srv.ObjectData("media", "victim"); got != nil {
		t.Fatalf("cancelled put left an object of %d bytes", len(got))
	}
}

// cancellingReader cancels its context after the first read and then blocks
// on the cancelled context, simulating a client that disconnects mid-upload.
type cancellingReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 1 {
		n := copy(p, bytes.Repeat([]byte("x"), len(p)))
		return n, nil
	}
	r.cancel()
	return 0, errors.New("client disconnected")
}

func TestSweepSessions(t *testing.T) {
	t.Parallel()
	store, srv := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "media")

	if _, err := store.CreateMultipartUpload(ctx, "media", "stale.bin", backend.ObjectMetadata{}); err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if reaped := store.SweepSessions(ctx); reaped != 0 {
		t.Fatalf("fresh session must not be reaped, got %d", reaped)
	}

	// Age the session past the TTL.
	store.sessions.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if reaped := store.SweepSessions(ctx); reaped != 1 {
		t.Fatalf("expected 1 reaped session, got %d", reaped)
	}
	if srv.LargeFileCount() != 0 {
		t.Fatalf("expected backend large file cancelled by sweep, %d remain", srv.LargeFileCount())
	}
}
