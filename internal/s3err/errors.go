package s3err

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/drausal/b2-reverse-proxy/internal/b2"
	"github.com/drausal/b2-reverse-proxy/internal/backend"
	"github.com/drausal/b2-reverse-proxy/internal/s3"
	"github.com/drausal/b2-reverse-proxy/internal/sigv4"
)

type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	AccessDenied          = APIError{Code: "AccessDenied", Message: "Access Denied", StatusCode: http.StatusForbidden}
	InvalidAccessKeyID    = APIError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records.", StatusCode: http.StatusForbidden}
	SignatureDoesNotMatch = APIError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided.", StatusCode: http.StatusForbidden}
	RequestTimeTooSkewed  = APIError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the current time is too large.", StatusCode: http.StatusForbidden}
	RequestTimeout        = APIError{Code: "RequestTimeout", Message: "Your socket connection to the server was not read from or written to within the timeout period.", StatusCode: http.StatusBadRequest}
	NoSuchBucket          = APIError{Code: "NoSuchBucket", Message: "The specified bucket does not exist.", StatusCode: http.StatusNotFound}
	NoSuchKey             = APIError{Code: "NoSuchKey", Message: "The specified key does not exist.", StatusCode: http.StatusNotFound}
	NoSuchUpload          = APIError{Code: "NoSuchUpload", Message: "The specified multipart upload does not exist.", StatusCode: http.StatusNotFound}
	BucketAlreadyExists   = APIError{Code: "BucketAlreadyExists", Message: "The requested bucket name is not available.", StatusCode: http.StatusConflict}
	BucketNotEmpty        = APIError{Code: "BucketNotEmpty", Message: "The bucket you tried to delete is not empty.", StatusCode: http.StatusConflict}
	InvalidBucketName     = APIError{Code: "InvalidBucketName", Message: "The specified bucket is not valid.", StatusCode: http.StatusBadRequest}
	EntityTooLarge        = APIError{Code: "EntityTooLarge", Message: "Your proposed upload exceeds the maximum allowed object size.", StatusCode: http.StatusRequestEntityTooLarge}
	EntityTooSmall        = APIError{Code: "EntityTooSmall", Message: "Your proposed upload is smaller than the minimum allowed object size. Each part must be at least the minimum size, except the last part.", StatusCode: http.StatusBadRequest}
	InvalidRange          = APIError{Code: "InvalidRange", Message: "The requested range is not satisfiable.", StatusCode: http.StatusRequestedRangeNotSatisfiable}
	InvalidPart           = APIError{Code: "InvalidPart", Message: "One or more of the specified parts could not be found.", StatusCode: http.StatusBadRequest}
	InvalidPartOrder      = APIError{Code: "InvalidPartOrder", Message: "The list of parts was not in ascending order.", StatusCode: http.StatusBadRequest}
	InvalidArgument       = APIError{Code: "InvalidArgument", Message: "Invalid argument.", StatusCode: http.StatusBadRequest}
	BadDigest             = APIError{Code: "BadDigest", Message: "The Content-MD5 you specified did not match what we received.", StatusCode: http.StatusBadRequest}
	InvalidRequest        = APIError{Code: "InvalidRequest", Message: "The request is malformed or invalid for this operation.", StatusCode: http.StatusBadRequest}
	MissingContentLength  = APIError{Code: "MissingContentLength", Message: "You must provide the Content-Length HTTP header.", StatusCode: http.StatusLengthRequired}
	MethodNotAllowed      = APIError{Code: "MethodNotAllowed", Message: "The specified method is not allowed against this resource.", StatusCode: http.StatusMethodNotAllowed}
	NotImplemented        = APIError{Code: "NotImplemented", Message: "A header or query parameter you provided implies functionality that is not implemented.", StatusCode: http.StatusNotImplemented}

	IllegalLocationConstraintException = APIError{Code: "IllegalLocationConstraintException", Message: "The specified location constraint is not valid.", StatusCode: http.StatusBadRequest}

	SlowDown              = APIError{Code: "SlowDown", Message: "Please reduce your request rate.", StatusCode: http.StatusServiceUnavailable}
	ServiceUnavailable    = APIError{Code: "ServiceUnavailable", Message: "The service is temporarily unable to handle the request.", StatusCode: http.StatusServiceUnavailable}
	InternalError         = APIError{Code: "InternalError", Message: "We encountered an internal error. Please try again.", StatusCode: http.StatusInternalServerError}
)

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

func Write(w http.ResponseWriter, requestID string, apiErr APIError, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(apiErr.StatusCode)
	_ = xml.NewEncoder(w).Encode(errorResponse{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

// MapError is the single choke point translating internal errors into S3
// wire errors. Backend API errors that have no explicit mapping surface as
// InternalError with the backend's message preserved for diagnosis.
func MapError(err error) APIError {
	var apiErr APIError
	var maxBytesErr *http.MaxBytesError
	var backendErr *b2.Error
	switch {
	case err == nil:
		return InternalError
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, backend.ErrNoSuchBucket):
		return NoSuchBucket
	case errors.Is(err, backend.ErrNoSuchKey):
		return NoSuchKey
	case errors.Is(err, backend.ErrBucketNotEmpty):
		return BucketNotEmpty
	case errors.Is(err, backend.ErrBucketExists):
		return BucketAlreadyExists
	case errors.Is(err, backend.ErrInvalidBucketName):
		return InvalidBucketName
	case errors.Is(err, backend.ErrEntityTooLarge):
		return EntityTooLarge
	case errors.As(err, &maxBytesErr):
		return EntityTooLarge
	case errors.Is(err, backend.ErrEntityTooSmall):
		return EntityTooSmall
	case errors.Is(err, backend.ErrInvalidRange):
		return InvalidRange
	case errors.Is(err, backend.ErrNoSuchUpload):
		return NoSuchUpload
	case errors.Is(err, backend.ErrInvalidPart):
		return InvalidPart
	case errors.Is(err, backend.ErrInvalidPartNumber):
		return InvalidArgument
	case errors.Is(err, backend.ErrInvalidPartOrder):
		return InvalidPartOrder
	case errors.Is(err, backend.ErrInvalidContinuationToken):
		return InvalidArgument
	case errors.Is(err, backend.ErrBadDigest):
		return BadDigest
	case errors.Is(err, backend.ErrInvalidRequest):
		return InvalidRequest
	case errors.Is(err, backend.ErrMissingContentLength):
		return MissingContentLength
	case errors.Is(err, sigv4.ErrInvalidAccessKey):
		return InvalidAccessKeyID
	case errors.Is(err, sigv4.ErrClockSkew):
		return RequestTimeTooSkewed
	case errors.Is(err, sigv4.ErrInvalidPayloadHash), errors.Is(err, sigv4.ErrUnsupportedPayloadMode):
		return InvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RequestTimeout
	case errors.Is(err, sigv4.ErrSignatureMismatch), errors.Is(err, sigv4.ErrInvalidCredentialScope), errors.Is(err, sigv4.ErrMalformedAuthorization), errors.Is(err, sigv4.ErrInvalidSignedHeaders), errors.Is(err, sigv4.ErrInvalidAmzDate):
		return SignatureDoesNotMatch
	case errors.Is(err, s3.ErrInvalidRequestPath):
		return InvalidBucketName
	case errors.As(err, &backendErr):
		return mapBackendError(backendErr)
	default:
		return InternalError
	}
}

// mapBackendError covers backend API errors that escaped the bridge's
// per-operation translation.
func mapBackendError(err *b2.Error) APIError {
	switch err.Code {
	case "not_found", "no_such_file", "file_not_present":
		return NoSuchKey
	case "duplicate_bucket_name":
		return BucketAlreadyExists
	case "bad_request", "bad_bucket_id":
		return InvalidRequest
	case "unauthorized", "unsupported":
		return AccessDenied
	case "cap_exceeded", "storage_cap_exceeded":
		return ServiceUnavailable
	case "too_many_requests":
		return SlowDown
	}
	out := InternalError
	if err.Message != "" {
		out.Message = err.Message
	}
	return out
}
