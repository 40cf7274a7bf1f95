// Package api translates authenticated S3 requests into backend store calls
// and renders the S3 XML response surface.
package api

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drausal/b2-reverse-proxy/internal/authz"
	"github.com/drausal/b2-reverse-proxy/internal/backend"
	"github.com/drausal/b2-reverse-proxy/internal/s3"
	"github.com/drausal/b2-reverse-proxy/internal/s3err"
	"github.com/drausal/b2-reverse-proxy/internal/sigv4"
)

type Service struct {
	Backend      backend.Store
	Authz        *authz.Engine
	Region       string
	ServiceName  string
	ClockSkew    time.Duration
	ServiceHost  string
	MaxBodyBytes int64
	PathLive     string
	PathReady    string
	ReadyCheck   func() error
	Now          func() time.Time
	Logger       *slog.Logger
}

type requestContext struct {
	RequestID  string
	Principal  authz.Principal
	Auth       *sigv4.RequestAuth
	SigningKey []byte
	Target     s3.RequestTarget
	Operation  s3.Operation
	ErrorCode  string
}

func (s *Service) Handler() http.Handler {
	nowFn := s.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceName := s.ServiceName
	if serviceName == "" {
		serviceName = "s3"
	}

	router := s3.NewRouter(s3.RouterConfig{
		ServiceHost: s.ServiceHost,
		PathLive:    s.PathLive,
		PathReady:   s.PathReady,
		ReadyCheck:  s.ReadyCheck,
		Handler: func(w http.ResponseWriter, r *http.Request, target s3.RequestTarget, op s3.Operation) {
			s.limitRequestBody(w, r)
			start := nowFn()
			reqID := s3.RequestIDFromContext(r.Context())
			ctx := requestContext{RequestID: reqID, Target: target, Operation: op}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			if op == s3.OperationUnknown {
				ctx.ErrorCode = s3err.MethodNotAllowed.Code
				s3err.Write(sw, reqID, s3err.MethodNotAllowed, r.URL.Path)
				s.logRequest(logger, r, sw.status, time.Since(start), ctx)
				return
			}

			principal, authReq, signingKey, err := s.authenticate(r, nowFn(), serviceName)
			if err != nil {
				apiErr := s3err.MapError(err)
				ctx.ErrorCode = apiErr.Code
				s3err.Write(sw, reqID, apiErr, resourceFromTarget(target))
				s.logRequest(logger, r, sw.status, time.Since(start), ctx)
				return
			}
			ctx.Principal = principal
			ctx.Auth = &authReq
			ctx.SigningKey = signingKey

			if op == s3.OperationUnsupported {
				ctx.ErrorCode = s3err.NotImplemented.Code
				s3err.Write(sw, reqID, s3err.NotImplemented, resourceFromTarget(target))
				s.logRequest(logger, r, sw.status, time.Since(start), ctx)
				return
			}

			action, resource := mapAuthAction(op, target)
			if !s.Authz.IsAllowed(principal, action, resource) {
				ctx.ErrorCode = s3err.AccessDenied.Code
				s3err.Write(sw, reqID, s3err.AccessDenied, resource)
				s.logRequest(logger, r, sw.status, time.Since(start), ctx)
				return
			}

			rc := context.WithValue(r.Context(), ctxKey{}, ctx)
			if err := s.dispatch(sw, r.WithContext(rc), op, target); err != nil {
				apiErr := s3err.MapError(err)
				ctx.ErrorCode = apiErr.Code
				s3err.Write(sw, reqID, apiErr, resourceFromTarget(target))
			}
			s.logRequest(logger, r, sw.status, time.Since(start), ctx)
		},
	})

	return logHealthRequests(logger, router, s.PathLive, s.PathReady)
}

func (s *Service) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	if s.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
}

func (s *Service) logRequest(logger *slog.Logger, r *http.Request, status int, latency time.Duration, info requestContext) {
	principal := ""
	if info.Principal.AccessKey != "" {
		principal = info.Principal.AccessKey
	} else if info.Principal.Name != "" {
		principal = info.Principal.Name
	}
	logger.Info("request complete",
		"request_id", info.RequestID,
		"remote_addr", r.RemoteAddr,
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.Path,
		"status_code", status,
		"latency_ms", latency.Milliseconds(),
		"principal", principal,
		"bucket", info.Target.Bucket,
		"key", info.Target.Key,
		"error_code", info.ErrorCode,
	)
}

func logHealthRequests(logger *slog.Logger, next http.Handler, pathLive, pathReady string) http.Handler {
	if pathLive == "" {
		pathLive = "/healthz"
	}
	if pathReady == "" {
		pathReady = "/readyz"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == pathLive || r.URL.Path == pathReady {
			logger.Info("request complete",
				"request_id", sw.Header().Get("X-Request-Id"),
				"remote_addr", r.RemoteAddr,
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status_code", sw.status,
				"latency_ms", time.Since(start).Milliseconds(),
				"principal", "",
				"bucket", "",
				"key", "",
				"error_code", "",
			)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	return s.ResponseWriter.Write(p)
}

func (s *Service) authenticate(r *http.Request, now time.Time, serviceName string) (authz.Principal, sigv4.RequestAuth, []byte, error) {
	authReq, err := sigv4.ParseRequestAuth(r, now, s.ClockSkew)
	if err != nil {
		return authz.Principal{}, sigv4.RequestAuth{}, nil, err
	}

	if err := sigv4.ValidateScope(authReq.Authorization.Credential, s.Region, serviceName); err != nil {
		return authz.Principal{}, sigv4.RequestAuth{}, nil, err
	}

	secret, principal, ok := s.Authz.SecretForAccessKey(authReq.Authorization.Credential.AccessKey)
	if !ok {
		return authz.Principal{}, sigv4.RequestAuth{}, nil, sigv4.ErrInvalidAccessKey
	}

	if err := sigv4.VerifyRequest(r, authReq, secret, s.Region, serviceName); err != nil {
		return authz.Principal{}, sigv4.RequestAuth{}, nil, err
	}

	signingKey := sigv4.SigningKey(secret, authReq.Authorization.Credential.Date, authReq.Authorization.Credential.Region, authReq.Authorization.Credential.Service)
	return principal, authReq, signingKey, nil
}

func mapAuthAction(op s3.Operation, target s3.RequestTarget) (string, string) {
	resource := resourceFromTarget(target)
	switch op {
	case s3.OperationListBuckets:
		return "bucket:list", "*"
	case s3.OperationCreateBucket:
		return "bucket:create", target.Bucket
	case s3.OperationDeleteBucket:
		return "bucket:delete", target.Bucket
	case s3.OperationHeadBucket:
		return "bucket:head", target.Bucket
	case s3.OperationListObjects:
		return "object:list", target.Bucket + "/*"
	case s3.OperationPutObject:
		return "object:put", resource
	case s3.OperationGetObject:
		return "object:get", resource
	case s3.OperationHeadObject:
		return "object:head", resource
	case s3.OperationDeleteObject:
		return "object:delete", resource
	case s3.OperationCreateMultipartUpload, s3.OperationUploadPart, s3.OperationCompleteMultipartUpload, s3.OperationAbortMultipartUpload:
		return "object:put", resource
	case s3.OperationListParts:
		return "object:head", resource
	default:
		return "", resource
	}
}

func resourceFromTarget(target s3.RequestTarget) string {
	if target.Bucket == "" {
		return "*"
	}
	if target.Key == "" {
		return target.Bucket
	}
	return target.Bucket + "/" + target.Key
}

type ctxKey struct{}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, op s3.Operation, target s3.RequestTarget) error {
	if err := validateACLCompatibilityHeaders(r.Header, op); err != nil {
		return err
	}
	switch op {
	case s3.OperationListBuckets:
		return s.handleListBuckets(w, r)
	case s3.OperationCreateBucket:
		return s.handleCreateBucket(w, r, target.Bucket)
	case s3.OperationDeleteBucket:
		return s.handleDeleteBucket(w, r, target.Bucket)
	case s3.OperationHeadBucket:
		return s.handleHeadBucket(w, r, target.Bucket)
	case s3.OperationListObjects:
		return s.handleListObjectsV2(w, r, target.Bucket)
	case s3.OperationPutObject:
		return s.handlePutObject(w, r, target)
	case s3.OperationGetObject:
		return s.handleGetObject(w, r, target)
	case s3.OperationHeadObject:
		return s.handleHeadObject(w, r, target)
	case s3.OperationDeleteObject:
		return s.handleDeleteObject(w, r, target)
	case s3.OperationCreateMultipartUpload:
		return s.handleCreateMultipartUpload(w, r, target)
	case s3.OperationUploadPart:
		return s.handleUploadPart(w, r, target)
	case s3.OperationCompleteMultipartUpload:
		return s.handleCompleteMultipartUpload(w, r, target)
	case s3.OperationAbortMultipartUpload:
		return s.handleAbortMultipartUpload(w, r, target)
	case s3.OperationListParts:
		return s.handleListParts(w, r, target)
	default:
		return fmt.Errorf("method not allowed")
	}
}

type listAllMyBucketsResult struct {
	XMLName xml.Name            `xml:"ListAllMyBucketsResult"`
	XMLNS   string              `xml:"xmlns,attr"`
	Owner   owner               `xml:"Owner"`
	Buckets []listBucketElement `xml:"Buckets>Bucket"`
}

type listBucketElement struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (s *Service) handleListBuckets(w http.ResponseWriter, r *http.Request) error {
	buckets, err := s.Backend.ListBuckets(r.Context())
	if err != nil {
		return err
	}
	result := listAllMyBucketsResult{
		XMLNS: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: owner{ID: "proxy", DisplayName: "proxy"},
	}
	for _, bucket := range buckets {
		result.Buckets = append(result.Buckets, listBucketElement{
			Name:         bucket.Name,
			CreationDate: formatS3XMLTime(bucket.CreationDate),
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(result)
}

type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

func (s *Service) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) error {
	if r.Body != nil {
		decoder := xml.NewDecoder(r.Body)
		var cfg createBucketConfiguration
		if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
			if isRequestBodyTooLarge(err) {
				return backend.ErrEntityTooLarge
			}
			return backend.ErrInvalidRequest
		}
		location := strings.TrimSpace(cfg.LocationConstraint)
		if location != "" && location != s.Region {
			return s3err.IllegalLocationConstraintException
		}
		if cfg.XMLName.Local != "" && cfg.XMLName.Local != "CreateBucketConfiguration" {
			return backend.ErrInvalidRequest
		}
	}
	if err := s.Backend.CreateBucket(r.Context(), bucket); err != nil {
		return err
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) error {
	if err := s.Backend.DeleteBucket(r.Context(), bucket); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Service) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) error {
	if err := s.Backend.HeadBucket(r.Context(), bucket); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

type listBucketResult struct {
	XMLName               xml.Name             `xml:"ListBucketResult"`
	XMLNS                 string               `xml:"xmlns,attr"`
	Name                  string               `xml:"Name"`
	EncodingType          string               `xml:"EncodingType,omitempty"`
	Prefix                string               `xml:"Prefix,omitempty"`
	Delimiter             string               `xml:"Delimiter,omitempty"`
	StartAfter            string               `xml:"StartAfter,omitempty"`
	ContinuationToken     string               `xml:"ContinuationToken,omitempty"`
	KeyCount              int                  `xml:"KeyCount"`
	MaxKeys               int                  `xml:"MaxKeys"`
	IsTruncated           bool                 `xml:"IsTruncated"`
	NextContinuationToken string               `xml:"NextContinuationToken,omitempty"`
	Contents              []listObjectContents `xml:"Contents"`
	CommonPrefixes        []commonPrefix       `xml:"CommonPrefixes"`
}

type listObjectContents struct {
	Key          string `xml:"Key"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	LastModified string `xml:"LastModified"`
	Owner        *owner `xml:"Owner,omitempty"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName,omitempty"`
}

func (s *Service) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) error {
	q := r.URL.Query()
	listType, err := getSingleQueryValue(q, "list-type")
	if err != nil {
		return err
	}
	if listType != "" && listType != "2" {
		return backend.ErrInvalidRequest
	}
	encodingType, err := getSingleQueryValue(q, "encoding-type")
	if err != nil {
		return err
	}
	if encodingType != "" && encodingType != "url" {
		return backend.ErrInvalidRequest
	}
	fetchOwnerValue, err := getSingleQueryValue(q, "fetch-owner")
	if err != nil {
		return err
	}
	fetchOwner := false
	if fetchOwnerValue != "" {
		parsed, parseErr := strconv.ParseBool(fetchOwnerValue)
		if parseErr != nil {
			return backend.ErrInvalidRequest
		}
		fetchOwner = parsed
	}
	maxKeys := 1000
	maxKeysValue, err := getSingleQueryValue(q, "max-keys")
	if err != nil {
		return err
	}
	if maxKeysValue != "" {
		parsed, parseErr := strconv.Atoi(maxKeysValue)
		if parseErr != nil || parsed < 0 {
			return backend.ErrInvalidRequest
		}
		maxKeys = parsed
	}
	if maxKeys > 1000 {
		maxKeys = 1000
	}
	prefix, err := getSingleQueryValue(q, "prefix")
	if err != nil {
		return err
	}
	delimiter, err := getSingleQueryValue(q, "delimiter")
	if err != nil {
		return err
	}
	continuationTokenValue, err := getSingleQueryValue(q, "continuation-token")
	if err != nil {
		return err
	}
	startAfter, err := getSingleQueryValue(q, "start-after")
	if err != nil {
		return err
	}

	res, err := s.Backend.ListObjectsV2(r.Context(), bucket, backend.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		ContinuationToken: continuationTokenValue,
		StartAfter:        startAfter,
		MaxKeys:           maxKeys,
	})
	if err != nil {
		return err
	}

	continuationToken := continuationTokenValue
	nextContinuationToken := res.NextContinuationToken
	if encodingType == "url" {
		prefix = url.PathEscape(prefix)
		delimiter = url.PathEscape(delimiter)
		startAfter = url.PathEscape(startAfter)
		continuationToken = url.PathEscape(continuationToken)
		nextContinuationToken = url.PathEscape(nextContinuationToken)
	}

	result := listBucketResult{
		XMLNS:                 "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:                  bucket,
		EncodingType:          encodingType,
		Prefix:                prefix,
		Delimiter:             delimiter,
		StartAfter:            startAfter,
		ContinuationToken:     continuationToken,
		KeyCount:              len(res.Objects) + len(res.CommonPrefixes),
		MaxKeys:               maxKeys,
		IsTruncated:           res.IsTruncated,
		NextContinuationToken: nextContinuationToken,
	}
	for _, obj := range res.Objects {
		key := obj.Key
		if encodingType == "url" {
			key = url.PathEscape(key)
		}
		item := listObjectContents{Key: key, ETag: quoteETag(obj.ETag), Size: obj.Size, LastModified: formatS3XMLTime(obj.Modified)}
		if fetchOwner {
			item.Owner = &owner{ID: "proxy", DisplayName: "proxy"}
		}
		result.Contents = append(result.Contents, item)
	}
	for _, prefix := range res.CommonPrefixes {
		p := prefix
		if encodingType == "url" {
			p = url.PathEscape(prefix)
		}
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: p})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(result)
}

func (s *Service) handlePutObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	meta := backend.ObjectMetadata{
		ContentType:  r.Header.Get("Content-Type"),
		UserMetadata: map[string]string{},
	}
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta.UserMetadata[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	if err := validateUserMetadata(meta.UserMetadata); err != nil {
		return err
	}
	size, err := requestBodySize(r)
	if err != nil {
		return err
	}
	meta.ContentLength = size
	body, cleanup, err := bodyReaderForContentMD5(r, r.Body)
	if err != nil {
		return err
	}
	defer cleanup()

	obj, err := s.Backend.PutObject(r.Context(), target.Bucket, target.Key, body, meta)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) handleGetObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		if ifRange := r.Header.Get("If-Range"); ifRange != "" {
			meta, err := s.Backend.HeadObject(r.Context(), target.Bucket, target.Key)
			if err != nil {
				return err
			}
			if !ifRangeMatches(meta, ifRange) {
				rangeHeader = ""
			}
		}
	}
	if rangeHeader != "" {
		rc, meta, start, end, err := s.Backend.GetObjectRange(r.Context(), target.Bucket, target.Key, rangeHeader)
		if err != nil {
			return err
		}
		defer rc.Close()
		if handled := applyConditionalHeaders(w, r, meta); handled {
			return nil
		}
		applyMetadataHeaders(w.Header(), meta)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.ContentLength))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.Copy(w, rc)
		return nil
	}

	rc, meta, err := s.Backend.GetObject(r.Context(), target.Bucket, target.Key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if handled := applyConditionalHeaders(w, r, meta); handled {
		return nil
	}
	applyMetadataHeaders(w.Header(), meta)
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
	return nil
}

func (s *Service) handleHeadObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	meta, err := s.Backend.HeadObject(r.Context(), target.Bucket, target.Key)
	if err != nil {
		return err
	}
	if handled := applyConditionalHeaders(w, r, meta); handled {
		return nil
	}
	applyMetadataHeaders(w.Header(), meta)
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) handleDeleteObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	if err := s.Backend.DeleteObject(r.Context(), target.Bucket, target.Key); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	XMLNS    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

func (s *Service) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	meta := backend.ObjectMetadata{
		ContentType:  r.Header.Get("Content-Type"),
		UserMetadata: map[string]string{},
	}
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta.UserMetadata[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	if err := validateUserMetadata(meta.UserMetadata); err != nil {
		return err
	}
	uploadID, err := s.Backend.CreateMultipartUpload(r.Context(), target.Bucket, target.Key, meta)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(initiateMultipartUploadResult{
		XMLNS:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Bucket:   target.Bucket,
		Key:      target.Key,
		UploadID: uploadID,
	})
}

func (s *Service) handleUploadPart(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	q := r.URL.Query()
	uploadID, err := getSingleQueryValue(q, "uploadId")
	if err != nil {
		return err
	}
	if uploadID == "" {
		return backend.ErrInvalidRequest
	}
	partNumberValue, err := getSingleQueryValue(q, "partNumber")
	if err != nil {
		return err
	}
	partNumber, err := strconv.Atoi(partNumberValue)
	if err != nil || partNumber <= 0 {
		return backend.ErrInvalidPartNumber
	}
	size, err := requestBodySize(r)
	if err != nil {
		return err
	}
	body, cleanup, err := bodyReaderForContentMD5(r, r.Body)
	if err != nil {
		return err
	}
	defer cleanup()
	part, err := s.Backend.UploadPart(r.Context(), target.Bucket, target.Key, uploadID, partNumber, size, body)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

type completeMultipartUploadRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	XMLNS    string   `xml:"xmlns,attr"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

func (s *Service) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	q := r.URL.Query()
	uploadID, err := getSingleQueryValue(q, "uploadId")
	if err != nil {
		return err
	}
	if uploadID == "" {
		return backend.ErrInvalidRequest
	}
	var reqBody completeMultipartUploadRequest
	if r.Body != nil {
		decoder := xml.NewDecoder(r.Body)
		if err := decoder.Decode(&reqBody); err != nil && err != io.EOF {
			if isRequestBodyTooLarge(err) {
				return backend.ErrEntityTooLarge
			}
			return backend.ErrInvalidPart
		}
		if reqBody.XMLName.Local != "" && reqBody.XMLName.Local != "CompleteMultipartUpload" {
			return backend.ErrInvalidPart
		}
	}

	parts := make([]backend.CompletedPart, 0, len(reqBody.Parts))
	for _, part := range reqBody.Parts {
		if part.PartNumber <= 0 {
			return backend.ErrInvalidRequest
		}
		parts = append(parts, backend.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
	}

	obj, err := s.Backend.CompleteMultipartUpload(r.Context(), target.Bucket, target.Key, uploadID, parts)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(completeMultipartUploadResult{
		XMLNS:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Location: "/" + target.Bucket + "/" + target.Key,
		Bucket:   target.Bucket,
		Key:      target.Key,
		ETag:     quoteETag(obj.ETag),
	})
}

func (s *Service) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	uploadID, err := getSingleQueryValue(r.URL.Query(), "uploadId")
	if err != nil {
		return err
	}
	if uploadID == "" {
		return backend.ErrInvalidRequest
	}
	if err := s.Backend.AbortMultipartUpload(r.Context(), target.Bucket, target.Key, uploadID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type listPartsResult struct {
	XMLName              xml.Name         `xml:"ListPartsResult"`
	XMLNS                string           `xml:"xmlns,attr"`
	Bucket               string           `xml:"Bucket"`
	EncodingType         string           `xml:"EncodingType,omitempty"`
	Key                  string           `xml:"Key"`
	UploadID             string           `xml:"UploadId"`
	PartNumberMarker     int              `xml:"PartNumberMarker"`
	NextPartNumberMarker int              `xml:"NextPartNumberMarker,omitempty"`
	MaxParts             int              `xml:"MaxParts"`
	IsTruncated          bool             `xml:"IsTruncated"`
	Parts                []listPartResult `xml:"Part"`
}

type listPartResult struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

func (s *Service) handleListParts(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	q := r.URL.Query()
	uploadID, err := getSingleQueryValue(q, "uploadId")
	if err != nil {
		return err
	}
	if uploadID == "" {
		return backend.ErrInvalidRequest
	}
	encodingType, err := getSingleQueryValue(q, "encoding-type")
	if err != nil {
		return err
	}
	if encodingType != "" && encodingType != "url" {
		return backend.ErrInvalidRequest
	}
	partNumberMarker := 0
	partNumberMarkerValue, err := getSingleQueryValue(q, "part-number-marker")
	if err != nil {
		return err
	}
	if partNumberMarkerValue != "" {
		parsed, parseErr := strconv.Atoi(partNumberMarkerValue)
		if parseErr != nil || parsed < 0 || parsed > 10000 {
			return backend.ErrInvalidRequest
		}
		partNumberMarker = parsed
	}
	maxParts := 1000
	maxPartsValue, err := getSingleQueryValue(q, "max-parts")
	if err != nil {
		return err
	}
	if maxPartsValue != "" {
		parsed, parseErr := strconv.Atoi(maxPartsValue)
		if parseErr != nil || parsed <= 0 {
			return backend.ErrInvalidRequest
		}
		maxParts = parsed
	}
	if maxParts > 1000 {
		maxParts = 1000
	}

	res, err := s.Backend.ListParts(r.Context(), target.Bucket, target.Key, uploadID, backend.ListPartsOptions{
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
	})
	if err != nil {
		return err
	}

	key := target.Key
	uploadIDOut := uploadID
	if encodingType == "url" {
		key = url.PathEscape(key)
		uploadIDOut = url.PathEscape(uploadID)
	}

	out := listPartsResult{
		XMLNS:                "http://s3.amazonaws.com/doc/2006-03-01/",
		Bucket:               target.Bucket,
		EncodingType:         encodingType,
		Key:                  key,
		UploadID:             uploadIDOut,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: res.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          res.IsTruncated,
	}
	for _, part := range res.Parts {
		out.Parts = append(out.Parts, listPartResult{
			PartNumber:   part.PartNumber,
			LastModified: formatS3XMLTime(part.LastModified),
			ETag:         quoteETag(part.ETag),
			Size:         part.Size,
		})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(out)
}

func applyMetadataHeaders(headers http.Header, meta backend.ObjectMetadata) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers.Set("Content-Type", contentType)
	headers.Set("Content-Length", strconv.FormatInt(meta.ContentLength, 10))
	headers.Set("ETag", quoteETag(meta.ETag))
	if !meta.LastModified.IsZero() {
		headers.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range meta.UserMetadata {
		headers.Set("x-amz-meta-"+k, v)
	}
}

func quoteETag(etag string) string {
	trimmed := strings.Trim(strings.TrimSpace(etag), "\"")
	if trimmed == "" {
		return "\"\""
	}
	return `"` + trimmed + `"`
}

func formatS3XMLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func applyConditionalHeaders(w http.ResponseWriter, r *http.Request, meta backend.ObjectMetadata) bool {
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if ifMatch != "*" && !headerContainsETag(ifMatch, meta.ETag) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if ifNoneMatch == "*" || headerContainsETag(ifNoneMatch, meta.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	lastModified := meta.LastModified.UTC().Truncate(time.Second)
	if ifUnmodifiedSince := r.Header.Get("If-Unmodified-Since"); ifUnmodifiedSince != "" {
		if t, ok := parseHTTPDate(ifUnmodifiedSince); ok && lastModified.After(t) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	if ifModifiedSince := r.Header.Get("If-Modified-Since"); ifModifiedSince != "" {
		if t, ok := parseHTTPDate(ifModifiedSince); ok && !lastModified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func headerContainsETag(headerValue, etag string) bool {
	for _, token := range strings.Split(headerValue, ",") {
		candidate := strings.TrimSpace(token)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, "\"")
		if candidate == etag {
			return true
		}
	}
	return false
}

func parseHTTPDate(value string) (time.Time, bool) {
	parsed, err := time.Parse(http.TimeFormat, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

func ifRangeMatches(meta backend.ObjectMetadata, ifRange string) bool {
	if ifRange == "" {
		return true
	}
	if headerContainsETag(ifRange, meta.ETag) {
		return true
	}
	if t, ok := parseHTTPDate(ifRange); ok {
		return !meta.LastModified.UTC().Truncate(time.Second).After(t)
	}
	return false
}

func requestContextFrom(ctx context.Context) (requestContext, bool) {
	info, ok := ctx.Value(ctxKey{}).(requestContext)
	return info, ok
}

func getSingleQueryValue(q url.Values, key string) (string, error) {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return "", nil
	}
	first := values[0]
	for _, value := range values[1:] {
		if value != first {
			return "", backend.ErrInvalidRequest
		}
	}
	return first, nil
}

// validateACLCompatibilityHeaders accepts the canned ACL values SDK clients
// attach by default and rejects explicit grant headers, which would imply
// permissions the backend cannot represent.
func validateACLCompatibilityHeaders(h http.Header, op s3.Operation) error {
	for _, key := range []string{
		"x-amz-grant-read",
		"x-amz-grant-write",
		"x-amz-grant-read-acp",
		"x-amz-grant-write-acp",
		"x-amz-grant-full-control",
	} {
		if strings.TrimSpace(h.Get(key)) != "" {
			return backend.ErrInvalidRequest
		}
	}
	acl := strings.TrimSpace(h.Get("x-amz-acl"))
	if acl == "" {
		return nil
	}
	allowedOps := map[s3.Operation]struct{}{
		s3.OperationCreateBucket:          {},
		s3.OperationPutObject:             {},
		s3.OperationCreateMultipartUpload: {},
	}
	if _, ok := allowedOps[op]; !ok {
		return backend.ErrInvalidRequest
	}
	switch strings.ToLower(acl) {
	case "private", "public-read", "public-read-write", "authenticated-read", "bucket-owner-read", "bucket-owner-full-control":
		return nil
	default:
		return backend.ErrInvalidRequest
	}
}

// requestBodySize resolves the payload size a write operation declares. For
// aws-chunked streaming bodies the decoded length header is authoritative;
// otherwise the Content-Length of the request is.
func requestBodySize(r *http.Request) (int64, error) {
	if info, ok := requestContextFrom(r.Context()); ok && info.Auth != nil && sigv4.IsStreamingPayload(info.Auth.PayloadHash) {
		raw := strings.TrimSpace(r.Header.Get("X-Amz-Decoded-Content-Length"))
		if raw == "" {
			return 0, backend.ErrMissingContentLength
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return 0, backend.ErrInvalidRequest
		}
		return parsed, nil
	}
	if r.ContentLength < 0 {
		return 0, backend.ErrMissingContentLength
	}
	return r.ContentLength, nil
}

func bodyReaderForContentMD5(r *http.Request, src io.Reader) (io.Reader, func(), error) {
	if info, ok := requestContextFrom(r.Context()); ok && info.Auth != nil && sigv4.IsStreamingPayload(info.Auth.PayloadHash) {
		expectedDecodedLength := int64(-1)
		if raw := strings.TrimSpace(r.Header.Get("X-Amz-Decoded-Content-Length")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				return nil, nil, backend.ErrInvalidRequest
			}
			expectedDecodedLength = parsed
		}
		decoded, cleanup, err := sigv4.DecodeStreamingPayload(r.Context(), src, *info.Auth, info.SigningKey, expectedDecodedLength)
		if err != nil {
			return nil, nil, err
		}
		src = decoded
		return bodyReaderForContentMD5WithCleanup(r, src, cleanup)
	}
	return bodyReaderForContentMD5WithCleanup(r, src, nil)
}

func bodyReaderForContentMD5WithCleanup(r *http.Request, src io.Reader, priorCleanup func()) (io.Reader, func(), error) {
	baseCleanup := func() {}
	if priorCleanup != nil {
		baseCleanup = priorCleanup
	}
	contentMD5 := strings.TrimSpace(r.Header.Get("Content-MD5"))
	if contentMD5 == "" {
		return src, baseCleanup, nil
	}
	expected, err := base64.StdEncoding.DecodeString(contentMD5)
	if err != nil || len(expected) != md5.Size {
		baseCleanup()
		return nil, nil, backend.ErrInvalidRequest
	}

	temp, err := os.CreateTemp("", "b2s3proxy-md5-*")
	if err != nil {
		baseCleanup()
		return nil, nil, err
	}
	cleanup := func() {
		baseCleanup()
		_ = temp.Close()
		_ = os.Remove(temp.Name())
	}
	hasher := md5.New() //nolint:gosec // Content-MD5 protocol compatibility.
	if _, err := io.Copy(io.MultiWriter(temp, hasher), src); err != nil {
		cleanup()
		return nil, nil, err
	}
	if !equalBytes(expected, hasher.Sum(nil)) {
		cleanup()
		return nil, nil, backend.ErrBadDigest
	}
	if _, err := temp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return temp, cleanup, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isRequestBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func validateUserMetadata(meta map[string]string) error {
	const maxMetadataBytes = 2 * 1024
	total := 0
	for k, v := range meta {
		total += len(k) + len(v)
	}
	if total > maxMetadataBytes {
		return backend.ErrInvalidRequest
	}
	return nil
}
