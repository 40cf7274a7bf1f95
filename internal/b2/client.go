package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const apiVersion = "b2api/v2"

// sha1AtEnd asks the upload endpoint to read a 40-byte hex SHA1 appended
// after the payload, so the proxy can stream without buffering the body.
const sha1AtEnd = "hex_digits_at_end"

// sha1TrailerLen is the length of that appended hex digest.
const sha1TrailerLen = 40

// Client speaks the native B2 API using tokens supplied by an Authorizer.
// All methods translate non-2xx responses into *Error values.
type Client struct {
	auth   *Authorizer
	hc     *http.Client
	logger *slog.Logger
	retry  RetryPolicy
}

// NewClient builds a Client. A nil http.Client falls back to the default.
func NewClient(auth *Authorizer, hc *http.Client, retry RetryPolicy, logger *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{auth: auth, hc: hc, logger: logger, retry: retry}
}

// AccountID returns the authorized account identifier.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	state, err := c.auth.State(ctx)
	if err != nil {
		return "", err
	}
	return state.AccountID, nil
}

// PartSizes returns the recommended and absolute-minimum part sizes reported
// during authorization.
func (c *Client) PartSizes(ctx context.Context) (recommended, minimum int64, err error) {
	state, err := c.auth.State(ctx)
	if err != nil {
		return 0, 0, err
	}
	return state.RecommendedPartSize, state.MinimumPartSize, nil
}

func decodeError(op string, res *http.Response) *Error {
	apiErr := &Error{Op: op, Status: res.StatusCode}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err == nil {
		_ = json.Unmarshal(body, apiErr)
	}
	if apiErr.Code == "" {
		apiErr.Code = "unknown"
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(res.StatusCode)
	}
	return apiErr
}

// api issues one JSON POST to {apiUrl}/b2api/v2/{op}. A rejected auth token
// is invalidated and the call is repeated once with a fresh one.
func (c *Client) api(ctx context.Context, op string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	for attempt := 0; ; attempt++ {
		state, err := c.auth.State(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			state.APIURL+"/"+apiVersion+"/"+op, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", state.Token)
		req.Header.Set("Content-Type", "application/json")

		res, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if res.StatusCode == http.StatusOK {
			err = json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(out)
			res.Body.Close()
			if err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
			return nil
		}

		apiErr := decodeError(op, res)
		res.Body.Close()

		if attempt == 0 && tokenRejected(apiErr) {
			c.logger.Debug("b2 auth token rejected, reauthorizing", "op", op, "code", apiErr.Code)
			c.auth.Invalidate(state.Token)
			continue
		}
		return apiErr
	}
}

func tokenRejected(err *Error) bool {
	return err.Status == http.StatusUnauthorized &&
		(err.Code == "expired_auth_token" || err.Code == "bad_auth_token")
}

// ListBuckets returns every bucket in the account.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	in := struct {
		AccountID string `json:"accountId"`
	}{AccountID: accountID}
	var out struct {
		Buckets []Bucket `json:"buckets"`
	}
	err = c.retry.do(ctx, func() error {
		return c.api(ctx, "b2_list_buckets", in, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Buckets, nil
}

// CreateBucket creates a private bucket with the given name.
func (c *Client) CreateBucket(ctx context.Context, name string) (Bucket, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return Bucket{}, err
	}
	in := struct {
		AccountID  string `json:"accountId"`
		BucketName string `json:"bucketName"`
		BucketType string `json:"bucketType"`
	}{AccountID: accountID, BucketName: name, BucketType: "allPrivate"}
	var out Bucket
	if err := c.api(ctx, "b2_create_bucket", in, &out); err != nil {
		return Bucket{}, err
	}
	return out, nil
}

// DeleteBucket removes an empty bucket by id.
func (c *Client) DeleteBucket(ctx context.Context, bucketID string) error {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return err
	}
	in := struct {
		AccountID string `json:"accountId"`
		BucketID  string `json:"bucketId"`
	}{AccountID: accountID, BucketID: bucketID}
	var out Bucket
	return c.api(ctx, "b2_delete_bucket", in, &out)
}

// ListFileNames returns one page of the bucket's file listing.
func (c *Client) ListFileNames(ctx context.Context, req ListFileNamesRequest) (ListFileNamesResponse, error) {
	var out ListFileNamesResponse
	err := c.retry.do(ctx, func() error {
		out = ListFileNamesResponse{}
		return c.api(ctx, "b2_list_file_names", req, &out)
	})
	return out, err
}

// GetUploadURL obtains a single-use upload endpoint for simple uploads.
func (c *Client) GetUploadURL(ctx context.Context, bucketID string) (UploadTarget, error) {
	in := struct {
		BucketID string `json:"bucketId"`
	}{BucketID: bucketID}
	var out UploadTarget
	err := c.retry.do(ctx, func() error {
		return c.api(ctx, "b2_get_upload_url", in, &out)
	})
	return out, err
}

// UploadFileRequest describes one b2_upload_file call. A zero SHA1 streams
// the payload with a trailing hex digest appended by the client.
type UploadFileRequest struct {
	Name        string
	ContentType string
	Size        int64
	SHA1        string
	Body        io.Reader
	Info        map[string]string
}

// UploadFile streams one object to an upload target. It is never retried;
// the body has been consumed by the time a failure surfaces.
func (c *Client) UploadFile(ctx context.Context, target UploadTarget, ur UploadFileRequest) (FileInfo, error) {
	body := ur.Body
	size := ur.Size
	sha1 := ur.SHA1
	if sha1 == "" {
		body = newSHA1TrailerReader(body)
		size += sha1TrailerLen
		sha1 = sha1AtEnd
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, body)
	if err != nil {
		return FileInfo{}, fmt.Errorf("b2_upload_file: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", target.Token)
	req.Header.Set("X-Bz-File-Name", escapeFileName(ur.Name))
	req.Header.Set("Content-Type", orDefault(ur.ContentType, "b2/x-auto"))
	req.Header.Set("X-Bz-Content-Sha1", sha1)
	for k, v := range ur.Info {
		req.Header.Set("X-Bz-Info-"+k, url.QueryEscape(v))
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return FileInfo{}, fmt.Errorf("b2_upload_file: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return FileInfo{}, decodeError("b2_upload_file", res)
	}

	var out FileInfo
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return FileInfo{}, fmt.Errorf("b2_upload_file: decode response: %w", err)
	}
	return out, nil
}

// DeleteFileVersion removes one specific version of a file.
func (c *Client) DeleteFileVersion(ctx context.Context, name, fileID string) error {
	in := struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}{FileName: name, FileID: fileID}
	var out struct {
		FileID string `json:"fileId"`
	}
	return c.retry.do(ctx, func() error {
		return c.api(ctx, "b2_delete_file_version", in, &out)
	})
}

// StartLargeFile begins a large-file upload and returns its file id.
func (c *Client) StartLargeFile(ctx context.Context, bucketID, name, contentType string, info map[string]string) (FileInfo, error) {
	in := struct {
		BucketID    string            `json:"bucketId"`
		FileName    string            `json:"fileName"`
		ContentType string            `json:"contentType"`
		FileInfo    map[string]string `json:"fileInfo,omitempty"`
	}{BucketID: bucketID, FileName: name, ContentType: orDefault(contentType, "b2/x-auto"), FileInfo: info}
	var out FileInfo
	if err := c.api(ctx, "b2_start_large_file", in, &out); err != nil {
		return FileInfo{}, err
	}
	return out, nil
}

// GetUploadPartURL obtains a single-use endpoint for uploading one part of a
// large file. Each concurrent part upload needs its own target.
func (c *Client) GetUploadPartURL(ctx context.Context, fileID string) (UploadTarget, error) {
	in := struct {
		FileID string `json:"fileId"`
	}{FileID: fileID}
	var out UploadTarget
	err := c.retry.do(ctx, func() error {
		return c.api(ctx, "b2_get_upload_part_url", in, &out)
	})
	return out, err
}

// UploadPart streams one part to a part upload target. Like UploadFile it is
// never retried.
func (c *Client) UploadPart(ctx context.Context, target UploadTarget, partNumber int, size int64, body io.Reader) (PartInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, newSHA1TrailerReader(body))
	if err != nil {
		return PartInfo{}, fmt.Errorf("b2_upload_part: %w", err)
	}
	req.ContentLength = size + sha1TrailerLen
	req.Header.Set("Authorization", target.Token)
	req.Header.Set("X-Bz-Part-Number", strconv.Itoa(partNumber))
	req.Header.Set("X-Bz-Content-Sha1", sha1AtEnd)

	res, err := c.hc.Do(req)
	if err != nil {
		return PartInfo{}, fmt.Errorf("b2_upload_part: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return PartInfo{}, decodeError("b2_upload_part", res)
	}

	var out PartInfo
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return PartInfo{}, fmt.Errorf("b2_upload_part: decode response: %w", err)
	}
	return out, nil
}

// FinishLargeFile commits a large file from the ordered part SHA1 digests.
func (c *Client) FinishLargeFile(ctx context.Context, fileID string, partSha1s []string) (FileInfo, error) {
	in := struct {
		FileID        string   `json:"fileId"`
		PartSha1Array []string `json:"partSha1Array"`
	}{FileID: fileID, PartSha1Array: partSha1s}
	var out FileInfo
	if err := c.api(ctx, "b2_finish_large_file", in, &out); err != nil {
		return FileInfo{}, err
	}
	return out, nil
}

// CancelLargeFile abandons an unfinished large file and its stored parts.
func (c *Client) CancelLargeFile(ctx context.Context, fileID string) error {
	in := struct {
		FileID string `json:"fileId"`
	}{FileID: fileID}
	var out struct {
		FileID string `json:"fileId"`
	}
	return c.api(ctx, "b2_cancel_large_file", in, &out)
}

// DownloadResult is an open download stream plus the metadata B2 reports in
// response headers. For ranged downloads Start/End describe the returned
// slice and TotalSize the full object.
type DownloadResult struct {
	Body      io.ReadCloser
	File      FileInfo
	Start     int64
	End       int64
	TotalSize int64
	Partial   bool
}

// DownloadByName streams a file by bucket and name, optionally with a byte
// range. When headOnly is set the request is a HEAD and Body is nil.
func (c *Client) DownloadByName(ctx context.Context, bucket, name, rangeHeader string, headOnly bool) (*DownloadResult, error) {
	var result *DownloadResult
	err := c.retry.do(ctx, func() error {
		r, err := c.downloadByName(ctx, bucket, name, rangeHeader, headOnly)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (c *Client) downloadByName(ctx context.Context, bucket, name, rangeHeader string, headOnly bool) (*DownloadResult, error) {
	state, err := c.auth.State(ctx)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	if headOnly {
		method = http.MethodHead
	}
	u := state.DownloadURL + "/file/" + url.PathEscape(bucket) + "/" + escapeFileName(name)
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	req.Header.Set("Authorization", state.Token)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		defer res.Body.Close()
		apiErr := decodeError("b2_download_file_by_name", res)
		if tokenRejected(apiErr) {
			c.auth.Invalidate(state.Token)
		}
		return nil, apiErr
	}

	result := &DownloadResult{
		Body: res.Body,
		File: FileInfo{
			ID:          res.Header.Get("X-Bz-File-Id"),
			Name:        unescapeFileName(res.Header.Get("X-Bz-File-Name")),
			ContentType: res.Header.Get("Content-Type"),
			ContentSha1: res.Header.Get("X-Bz-Content-Sha1"),
			Size:        res.ContentLength,
		},
		TotalSize: res.ContentLength,
	}
	if ts := res.Header.Get("X-Bz-Upload-Timestamp"); ts != "" {
		result.File.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
	}
	for key, values := range res.Header {
		if !strings.HasPrefix(key, "X-Bz-Info-") || len(values) == 0 {
			continue
		}
		if result.File.Info == nil {
			result.File.Info = make(map[string]string)
		}
		name := strings.ToLower(strings.TrimPrefix(key, "X-Bz-Info-"))
		if v, err := url.QueryUnescape(values[0]); err == nil {
			result.File.Info[name] = v
		} else {
			result.File.Info[name] = values[0]
		}
	}

	if res.StatusCode == http.StatusPartialContent {
		result.Partial = true
		start, end, total, err := parseContentRange(res.Header.Get("Content-Range"))
		if err != nil {
			res.Body.Close()
			return nil, err
		}
		result.Start, result.End, result.TotalSize = start, end, total
		result.File.Size = total
	}
	if headOnly {
		res.Body.Close()
		result.Body = nil
	}
	return result, nil
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(value string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	span, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	return start, end, total, nil
}

// escapeFileName percent-encodes a file name for the X-Bz-File-Name header
// and download URLs, keeping slashes intact.
func escapeFileName(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.QueryEscape(s)
	}
	return strings.Join(segments, "/")
}

func unescapeFileName(name string) string {
	if out, err := url.QueryUnescape(name); err == nil {
		return out
	}
	return name
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
