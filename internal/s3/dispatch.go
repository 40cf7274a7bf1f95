package s3

import "net/http"

type Operation string

const (
	OperationUnknown                 Operation = "Unknown"
	OperationUnsupported             Operation = "Unsupported"
	OperationListBuckets             Operation = "ListBuckets"
	OperationCreateBucket            Operation = "CreateBucket"
	OperationDeleteBucket            Operation = "DeleteBucket"
	OperationHeadBucket              Operation = "HeadBucket"
	OperationListObjects             Operation = "ListObjectsV2"
	OperationPutObject               Operation = "PutObject"
	OperationGetObject               Operation = "GetObject"
	OperationHeadObject              Operation = "HeadObject"
	OperationDeleteObject            Operation = "DeleteObject"
	OperationCreateMultipartUpload   Operation = "CreateMultipartUpload"
	OperationUploadPart              Operation = "UploadPart"
	OperationCompleteMultipartUpload Operation = "CompleteMultipartUpload"
	OperationAbortMultipartUpload    Operation = "AbortMultipartUpload"
	OperationListParts               Operation = "ListParts"
)

type DispatchQuery struct {
	ListType         string
	HasListType      bool
	Delimiter        string
	Prefix           string
	Continuation     string
	StartAfter       string
	MaxKeys          string
	HasUploads       bool
	HasUploadID      bool
	HasPartNumber    bool
	UploadID         string
	PartNumber       string
	PartNumberMarker string
	MaxParts         string
	HasUnsupported   bool
	HasCopySource    bool
}

// ResolveOperation maps an HTTP request shape onto an S3 operation. Query
// parameters selecting a subresource the proxy does not translate resolve to
// OperationUnsupported rather than being silently misread as an object op.
func ResolveOperation(method string, target RequestTarget, query DispatchQuery, headers http.Header) Operation {
	if query.HasUnsupported || query.HasCopySource || headers.Get("X-Amz-Copy-Source") != "" {
		return OperationUnsupported
	}

	if target.Bucket == "" {
		if method == http.MethodGet {
			return OperationListBuckets
		}
		return OperationUnknown
	}

	if target.Key == "" {
		switch method {
		case http.MethodPut:
			return OperationCreateBucket
		case http.MethodDelete:
			return OperationDeleteBucket
		case http.MethodHead:
			return OperationHeadBucket
		case http.MethodGet:
			// Listing unfinished multipart uploads is not translated.
			if query.HasUploads {
				return OperationUnsupported
			}
			// Plain GET on a bucket is treated as a V2 listing.
			return OperationListObjects
		}
		return OperationUnknown
	}

	switch method {
	case http.MethodPost:
		if query.HasUploads {
			return OperationCreateMultipartUpload
		}
		if query.HasUploadID {
			return OperationCompleteMultipartUpload
		}
		return OperationUnknown
	case http.MethodPut:
		if query.HasUploadID || query.HasPartNumber {
			if query.UploadID != "" && query.PartNumber != "" {
				return OperationUploadPart
			}
			return OperationUnknown
		}
		return OperationPutObject
	case http.MethodGet:
		if query.HasUploadID {
			return OperationListParts
		}
		return OperationGetObject
	case http.MethodHead:
		return OperationHeadObject
	case http.MethodDelete:
		if query.HasUploadID {
			return OperationAbortMultipartUpload
		}
		return OperationDeleteObject
	default:
		return OperationUnknown
	}
}
