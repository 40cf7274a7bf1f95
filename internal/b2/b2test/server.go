// Package b2test provides an in-memory fake of the native B2 API for tests.
package b2test

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// KeyID and AppKey are the credentials the fake accepts.
	KeyID  = "0001234567890abcdef0000"
	AppKey = "K000testapplicationkey00000000"

	MinimumPartSize     = 5
	RecommendedPartSize = 100
)

type file struct {
	id          string
	name        string
	contentType string
	sha1        string
	info        map[string]string
	data        []byte
	timestamp   int64
}

type largeFile struct {
	id          string
	bucketID    string
	name        string
	contentType string
	info        map[string]string
	parts       map[int][]byte
	partSha1s   map[int]string
}

type bucket struct {
	id    string
	name  string
	files map[string]*file
}

type scriptedFailure struct {
	status int
	code   string
}

// Server is an in-memory B2 endpoint backed by httptest. All state is
// guarded by a single mutex; tests may exercise it concurrently.
type Server struct {
	HTTP *httptest.Server

	mu         sync.Mutex
	nextID     int
	token      string
	tokenSeq   int
	buckets    map[string]*bucket
	largeFiles map[string]*largeFile
	calls      map[string]int
	failures   map[string][]scriptedFailure
	clock      int64
}

// NewServer starts a fake B2 server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		buckets:    make(map[string]*bucket),
		largeFiles: make(map[string]*largeFile),
		calls:      make(map[string]int),
		failures:   make(map[string][]scriptedFailure),
		clock:      1700000000000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v2/b2_authorize_account", s.handleAuthorize)
	mux.HandleFunc("/b2api/v2/", s.handleAPI)
	mux.HandleFunc("/b2t/upload/", s.handleUpload)
	mux.HandleFunc("/b2t/upload-part/", s.handleUploadPart)
	mux.HandleFunc("/file/", s.handleDownload)
	s.HTTP = httptest.NewServer(mux)
	return s
}

func (s *Server) Close() { s.HTTP.Close() }

// URL returns the base URL; it serves as authorize endpoint, api url and
// download url at once.
func (s *Server) URL() string { return s.HTTP.URL }

// AuthorizeURL returns the full b2_authorize_account endpoint.
func (s *Server) AuthorizeURL() string { return s.HTTP.URL + "/b2api/v2/b2_authorize_account" }

// Calls reports how many times the named operation has been served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailNext makes the next call to op fail with the given status and code
// before any handling. Repeated calls queue additional failures.
func (s *Server) FailNext(op string, status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], scriptedFailure{status: status, code: code})
}

// ExpireToken invalidates the current auth token so the next API call is
// rejected with expired_auth_token.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// PutObjectDirect seeds a stored object without going through the API.
func (s *Server) PutObjectDirect(bucketName, key, contentType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByNameLocked(bucketName)
	if b == nil {
		b = s.createBucketLocked(bucketName)
	}
	sum := sha1.Sum(data)
	b.files[key] = &file{
		id:          s.newIDLocked("file"),
		name:        key,
		contentType: contentType,
		sha1:        hex.EncodeToString(sum[:]),
		data:        append([]byte(nil), data...),
		timestamp:   s.tickLocked(),
	}
}

// ObjectData returns the stored bytes for a key, or nil when absent.
func (s *Server) ObjectData(bucketName, key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByNameLocked(bucketName)
	if b == nil {
		return nil
	}
	f, ok := b.files[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), f.data...)
}

// LargeFileCount reports how many unfinished large files exist.
func (s *Server) LargeFileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.largeFiles)
}

func (s *Server) newIDLocked(kind string) string {
	s.nextID++
	return fmt.Sprintf("%s_%06d", kind, s.nextID)
}

func (s *Server) tickLocked() int64 {
	s.clock += 1000
	return s.clock
}

func (s *Server) bucketByNameLocked(name string) *bucket {
	return s.buckets[name]
}

func (s *Server) bucketByIDLocked(id string) *bucket {
	for _, b := range s.buckets {
		if b.id == id {
			return b
		}
	}
	return nil
}

func (s *Server) createBucketLocked(name string) *bucket {
	b := &bucket{
		id:    s.newIDLocked("bucket"),
		name:  name,
		files: make(map[string]*file),
	}
	s.buckets[name] = b
	return b
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// failIfScripted consumes one queued failure for op, writing it and
// reporting true.
func (s *Server) failIfScripted(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	queue := s.failures[op]
	if len(queue) == 0 {
		s.mu.Unlock()
		return false
	}
	f := queue[0]
	s.failures[op] = queue[1:]
	s.mu.Unlock()
	writeError(w, f.status, f.code, "scripted failure")
	return true
}

func (s *Server) countCall(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.countCall("b2_authorize_account")
	if s.failIfScripted(w, "b2_authorize_account") {
		return
	}
	keyID, appKey, ok := r.BasicAuth()
	if !ok || keyID != KeyID || appKey != AppKey {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	s.mu.Lock()
	s.tokenSeq++
	s.token = fmt.Sprintf("token_%06d", s.tokenSeq)
	token := s.token
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"accountId":               "acct_000001",
		"authorizationToken":      token,
		"apiUrl":                  s.HTTP.URL,
		"downloadUrl":             s.HTTP.URL,
		"recommendedPartSize":     RecommendedPartSize,
		"absoluteMinimumPartSize": MinimumPartSize,
	})
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	valid := s.token != "" && r.Header.Get("Authorization") == s.token
	s.mu.Unlock()
	if !valid {
		writeError(w, http.StatusUnauthorized, "expired_auth_token", "auth token expired")
		return false
	}
	return true
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/b2api/v2/")
	s.countCall(op)
	if s.failIfScripted(w, op) {
		return
	}
	if !s.checkToken(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	switch op {
	case "b2_list_buckets":
		s.apiListBuckets(w)
	case "b2_create_bucket":
		s.apiCreateBucket(w, body)
	case "b2_delete_bucket":
		s.apiDeleteBucket(w, body)
	case "b2_list_file_names":
		s.apiListFileNames(w, body)
	case "b2_get_upload_url":
		s.apiGetUploadURL(w, body)
	case "b2_delete_file_version":
		s.apiDeleteFileVersion(w, body)
	case "b2_start_large_file":
		s.apiStartLargeFile(w, body)
	case "b2_get_upload_part_url":
		s.apiGetUploadPartURL(w, body)
	case "b2_finish_large_file":
		s.apiFinishLargeFile(w, body)
	case "b2_cancel_large_file":
		s.apiCancelLargeFile(w, body)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown operation "+op)
	}
}

func (s *Server) apiListBuckets(w http.ResponseWriter) {
	s.mu.Lock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		b := s.buckets[name]
		out = append(out, map[string]any{
			"bucketId":   b.id,
			"bucketName": b.name,
			"bucketType": "allPrivate",
		})
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"buckets": out})
}

func (s *Server) apiCreateBucket(w http.ResponseWriter, body []byte) {
	var req struct {
		BucketName string `json:"bucketName"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	if s.bucketByNameLocked(req.BucketName) != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "duplicate_bucket_name", "bucket name already in use")
		return
	}
	b := s.createBucketLocked(req.BucketName)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"bucketId": b.id, "bucketName": b.name, "bucketType": "allPrivate"})
}

func (s *Server) apiDeleteBucket(w http.ResponseWriter, body []byte) {
	var req struct {
		BucketID string `json:"bucketId"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	b := s.bucketByIDLocked(req.BucketID)
	if b == nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	if len(b.files) > 0 {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "cannot_delete_non_empty_bucket", "bucket is not empty")
		return
	}
	delete(s.buckets, b.name)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"bucketId": req.BucketID})
}

func (s *Server) apiListFileNames(w http.ResponseWriter, body []byte) {
	var req struct {
		BucketID      string `json:"bucketId"`
		StartFileName string `json:"startFileName"`
		MaxFileCount  int    `json:"maxFileCount"`
		Prefix        string `json:"prefix"`
		Delimiter     string `json:"delimiter"`
	}
	json.Unmarshal(body, &req)
	if req.MaxFileCount <= 0 {
		req.MaxFileCount = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByIDLocked(req.BucketID)
	if b == nil {
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}

	names := make([]string, 0, len(b.files))
	for name := range b.files {
		if strings.HasPrefix(name, req.Prefix) && name >= req.StartFileName {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	type entry struct {
		name   string
		folder bool
	}
	var entries []entry
	var nextFileName *string
	skipFolder := ""
	for _, name := range names {
		if skipFolder != "" && strings.HasPrefix(name, skipFolder) {
			continue
		}
		skipFolder = ""
		if len(entries) >= req.MaxFileCount {
			n := name
			nextFileName = &n
			break
		}
		if req.Delimiter != "" {
			rest := name[len(req.Prefix):]
			if idx := strings.Index(rest, req.Delimiter); idx >= 0 {
				folder := req.Prefix + rest[:idx+len(req.Delimiter)]
				entries = append(entries, entry{name: folder, folder: true})
				skipFolder = folder
				continue
			}
		}
		entries = append(entries, entry{name: name})
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if e.folder {
			out = append(out, map[string]any{
				"fileName":      e.name,
				"action":        "folder",
				"contentLength": 0,
			})
			continue
		}
		f := b.files[e.name]
		out = append(out, map[string]any{
			"fileId":          f.id,
			"fileName":        f.name,
			"action":          "upload",
			"contentLength":   len(f.data),
			"contentType":     f.contentType,
			"contentSha1":     f.sha1,
			"fileInfo":        f.info,
			"uploadTimestamp": f.timestamp,
		})
	}
	writeJSON(w, map[string]any{"files": out, "nextFileName": nextFileName})
}

func (s *Server) apiGetUploadURL(w http.ResponseWriter, body []byte) {
	var req struct {
		BucketID string `json:"bucketId"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	b := s.bucketByIDLocked(req.BucketID)
	token := s.token
	s.mu.Unlock()
	if b == nil {
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	writeJSON(w, map[string]any{
		"uploadUrl":          s.HTTP.URL + "/b2t/upload/" + req.BucketID,
		"authorizationToken": token,
	})
}

func (s *Server) apiDeleteFileVersion(w http.ResponseWriter, body []byte) {
	var req struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if f, ok := b.files[req.FileName]; ok && f.id == req.FileID {
			delete(b.files, req.FileName)
			writeJSON(w, map[string]any{"fileId": req.FileID, "fileName": req.FileName})
			return
		}
	}
	writeError(w, http.StatusBadRequest, "file_not_present", "file version not found")
}

func (s *Server) apiStartLargeFile(w http.ResponseWriter, body []byte) {
	var req struct {
		BucketID    string            `json:"bucketId"`
		FileName    string            `json:"fileName"`
		ContentType string            `json:"contentType"`
		FileInfo    map[string]string `json:"fileInfo"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketByIDLocked(req.BucketID) == nil {
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	lf := &largeFile{
		id:          s.newIDLocked("large"),
		bucketID:    req.BucketID,
		name:        req.FileName,
		contentType: req.ContentType,
		info:        req.FileInfo,
		parts:       make(map[int][]byte),
		partSha1s:   make(map[int]string),
	}
	s.largeFiles[lf.id] = lf
	writeJSON(w, map[string]any{
		"fileId":      lf.id,
		"fileName":    lf.name,
		"action":      "start",
		"contentType": lf.contentType,
		"fileInfo":    lf.info,
	})
}

func (s *Server) apiGetUploadPartURL(w http.ResponseWriter, body []byte) {
	var req struct {
		FileID string `json:"fileId"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	_, ok := s.largeFiles[req.FileID]
	token := s.token
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "no such large file")
		return
	}
	writeJSON(w, map[string]any{
		"uploadUrl":          s.HTTP.URL + "/b2t/upload-part/" + req.FileID,
		"authorizationToken": token,
	})
}

func (s *Server) apiFinishLargeFile(w http.ResponseWriter, body []byte) {
	var req struct {
		FileID        string   `json:"fileId"`
		PartSha1Array []string `json:"partSha1Array"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.largeFiles[req.FileID]
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "no such large file")
		return
	}
	if len(req.PartSha1Array) != len(lf.parts) {
		writeError(w, http.StatusBadRequest, "bad_request", "part count mismatch")
		return
	}
	var data []byte
	for i := 1; i <= len(req.PartSha1Array); i++ {
		part, ok := lf.parts[i]
		if !ok || lf.partSha1s[i] != req.PartSha1Array[i-1] {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("part %d missing or sha1 mismatch", i))
			return
		}
		data = append(data, part...)
	}
	b := s.bucketByIDLocked(lf.bucketID)
	if b == nil {
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	sum := sha1.Sum(data)
	f := &file{
		id:          s.newIDLocked("file"),
		name:        lf.name,
		contentType: lf.contentType,
		sha1:        hex.EncodeToString(sum[:]),
		info:        lf.info,
		data:        data,
		timestamp:   s.tickLocked(),
	}
	b.files[f.name] = f
	delete(s.largeFiles, req.FileID)
	writeJSON(w, map[string]any{
		"fileId":          f.id,
		"fileName":        f.name,
		"action":          "upload",
		"contentLength":   len(f.data),
		"contentType":     f.contentType,
		"contentSha1":     f.sha1,
		"fileInfo":        f.info,
		"uploadTimestamp": f.timestamp,
	})
}

func (s *Server) apiCancelLargeFile(w http.ResponseWriter, body []byte) {
	var req struct {
		FileID string `json:"fileId"`
	}
	json.Unmarshal(body, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.largeFiles[req.FileID]; !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "no such large file")
		return
	}
	delete(s.largeFiles, req.FileID)
	writeJSON(w, map[string]any{"fileId": req.FileID})
}

// readTrailedBody splits a hex_digits_at_end payload and verifies the digest.
func readTrailedBody(r *http.Request, declaredSha1 string) ([]byte, string, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if declaredSha1 != "hex_digits_at_end" {
		sum := sha1.Sum(raw)
		got := hex.EncodeToString(sum[:])
		if declaredSha1 != "" && declaredSha1 != "do_not_verify" && got != declaredSha1 {
			return nil, "", fmt.Errorf("sha1 mismatch")
		}
		return raw, got, nil
	}
	if len(raw) < 40 {
		return nil, "", fmt.Errorf("body shorter than sha1 trailer")
	}
	data, trailer := raw[:len(raw)-40], string(raw[len(raw)-40:])
	sum := sha1.Sum(data)
	if hex.EncodeToString(sum[:]) != trailer {
		return nil, "", fmt.Errorf("sha1 trailer mismatch")
	}
	return data, trailer, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.countCall("b2_upload_file")
	if s.failIfScripted(w, "b2_upload_file") {
		return
	}
	if !s.checkToken(w, r) {
		return
	}
	bucketID := strings.TrimPrefix(r.URL.Path, "/b2t/upload/")
	name, err := unescapeHeader(r.Header.Get("X-Bz-File-Name"))
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file name")
		return
	}
	data, digest, err := readTrailedBody(r, r.Header.Get("X-Bz-Content-Sha1"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	info := make(map[string]string)
	for key, values := range r.Header {
		if strings.HasPrefix(key, "X-Bz-Info-") && len(values) > 0 {
			v, err := unescapeHeader(values[0])
			if err != nil {
				v = values[0]
			}
			info[strings.ToLower(strings.TrimPrefix(key, "X-Bz-Info-"))] = v
		}
	}

	s.mu.Lock()
	b := s.bucketByIDLocked(bucketID)
	if b == nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	f := &file{
		id:          s.newIDLocked("file"),
		name:        name,
		contentType: r.Header.Get("Content-Type"),
		sha1:        digest,
		info:        info,
		data:        data,
		timestamp:   s.tickLocked(),
	}
	b.files[name] = f
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"fileId":          f.id,
		"fileName":        f.name,
		"action":          "upload",
		"contentLength":   len(f.data),
		"contentType":     f.contentType,
		"contentSha1":     f.sha1,
		"fileInfo":        f.info,
		"uploadTimestamp": f.timestamp,
	})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	s.countCall("b2_upload_part")
	if s.failIfScripted(w, "b2_upload_part") {
		return
	}
	if !s.checkToken(w, r) {
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/b2t/upload-part/")
	partNumber, err := strconv.Atoi(r.Header.Get("X-Bz-Part-Number"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid part number")
		return
	}
	data, digest, err := readTrailedBody(r, r.Header.Get("X-Bz-Content-Sha1"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	lf, ok := s.largeFiles[fileID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_request", "no such large file")
		return
	}
	lf.parts[partNumber] = data
	lf.partSha1s[partNumber] = digest
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"fileId":        fileID,
		"partNumber":    partNumber,
		"contentLength": len(data),
		"contentSha1":   digest,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.countCall("b2_download_file_by_name")
	if s.failIfScripted(w, "b2_download_file_by_name") {
		return
	}
	if !s.checkToken(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/file/")
	bucketName, escapedKey, ok := strings.Cut(rest, "/")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file name")
		return
	}
	key, err := unescapeHeader(escapedKey)
	if err != nil {
		key = escapedKey
	}

	s.mu.Lock()
	b := s.bucketByNameLocked(bucketName)
	var f *file
	if b != nil {
		f = b.files[key]
	}
	s.mu.Unlock()
	if f == nil {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}

	w.Header().Set("X-Bz-File-Id", f.id)
	w.Header().Set("X-Bz-File-Name", f.name)
	w.Header().Set("X-Bz-Content-Sha1", f.sha1)
	w.Header().Set("X-Bz-Upload-Timestamp", strconv.FormatInt(f.timestamp, 10))
	w.Header().Set("Content-Type", f.contentType)
	for k, v := range f.info {
		w.Header().Set("X-Bz-Info-"+k, v)
	}

	data := f.data
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, ok := parseByteRange(rangeHeader, int64(len(data)))
		if !ok {
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "bad range")
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			w.Write(data[start : end+1])
		}
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func parseByteRange(value string, size int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}

func unescapeHeader(value string) (string, error) {
	segments := strings.Split(value, "/")
	for i, seg := range segments {
		out, err := queryUnescape(seg)
		if err != nil {
			return "", err
		}
		segments[i] = out
	}
	return strings.Join(segments, "/"), nil
}

// queryUnescape decodes %XX and + without pulling in net/url's strictness
// about path semantics.
func queryUnescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 >= len(s) {
				return "", fmt.Errorf("truncated escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad escape in %q", s)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}
