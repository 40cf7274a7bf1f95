package b2

import (
	"fmt"
	"time"
)

// Error is a structured error returned by the B2 API. Code carries B2's
// error vocabulary ("not_found", "duplicate_bucket_name", ...) and is the
// input to the proxy's error mapping table.
type Error struct {
	Op      string `json:"-"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("b2 %s: %s (status %d, code %q)", e.Op, e.Message, e.Status, e.Code)
}

// Bucket is a backend bucket. ID is the identifier every bucket-scoped API
// call takes; Name is what the S3 surface exposes.
type Bucket struct {
	ID   string `json:"bucketId"`
	Name string `json:"bucketName"`
	Type string `json:"bucketType"`
}

// FileInfo describes one file as reported by the listing and upload APIs.
// Action is "upload" for committed files, "folder" for delimiter-collapsed
// prefixes, and "start" for unfinished large files.
type FileInfo struct {
	ID          string            `json:"fileId"`
	Name        string            `json:"fileName"`
	Action      string            `json:"action"`
	Size        int64             `json:"contentLength"`
	ContentType string            `json:"contentType"`
	ContentSha1 string            `json:"contentSha1"`
	Info        map[string]string `json:"fileInfo,omitempty"`
	Timestamp   int64             `json:"uploadTimestamp"`
}

// Uploaded converts the millisecond upload timestamp into a time.Time.
func (f *FileInfo) Uploaded() time.Time {
	if f.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(f.Timestamp/1000, (f.Timestamp%1000)*int64(time.Millisecond)).UTC()
}

// UploadTarget is a single-use upload endpoint obtained from
// b2_get_upload_url or b2_get_upload_part_url.
type UploadTarget struct {
	URL   string `json:"uploadUrl"`
	Token string `json:"authorizationToken"`
}

// PartInfo is the result of b2_upload_part.
type PartInfo struct {
	FileID      string `json:"fileId"`
	PartNumber  int    `json:"partNumber"`
	Size        int64  `json:"contentLength"`
	ContentSha1 string `json:"contentSha1"`
}

// ListFileNamesRequest mirrors the b2_list_file_names request body.
type ListFileNamesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

// ListFileNamesResponse carries one listing page. NextFileName is B2's
// native resume cursor; nil means the listing is exhausted.
type ListFileNamesResponse struct {
	Files        []FileInfo `json:"files"`
	NextFileName *string    `json:"nextFileName"`
}
