// Package apperr maps failures raised anywhere in the collector onto a closed
// classification taxonomy before they cross the service boundary.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the closed set of classifications.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindAuthorization          Kind = "AUTHORIZATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindBusinessRule           Kind = "BUSINESS_RULE"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindRateLimit              Kind = "RATE_LIMIT"
	KindExternalService        Kind = "EXTERNAL_SERVICE_ERROR"
	KindTimeout                Kind = "TIMEOUT"
	KindQueryComplexity        Kind = "QUERY_COMPLEXITY"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// Classification is the transport-neutral description of a Kind.
type Classification struct {
	Kind       Kind
	HTTPStatus int
	Retryable  bool
	RetryAfter time.Duration
}

var classifications = map[Kind]Classification{
	KindValidation:             {Kind: KindValidation, HTTPStatus: http.StatusBadRequest},
	KindAuthorization:          {Kind: KindAuthorization, HTTPStatus: http.StatusForbidden},
	KindNotFound:               {Kind: KindNotFound, HTTPStatus: http.StatusNotFound},
	KindBusinessRule:           {Kind: KindBusinessRule, HTTPStatus: http.StatusBadRequest},
	KindConcurrentModification: {Kind: KindConcurrentModification, HTTPStatus: http.StatusConflict},
	KindRateLimit:              {Kind: KindRateLimit, HTTPStatus: http.StatusTooManyRequests, Retryable: true, RetryAfter: 60 * time.Second},
	KindExternalService:        {Kind: KindExternalService, HTTPStatus: http.StatusInternalServerError, Retryable: true, RetryAfter: 30 * time.Second},
	KindTimeout:                {Kind: KindTimeout, HTTPStatus: http.StatusGatewayTimeout, Retryable: true, RetryAfter: 15 * time.Second},
	KindQueryComplexity:        {Kind: KindQueryComplexity, HTTPStatus: http.StatusBadRequest},
	KindInternal:               {Kind: KindInternal, HTTPStatus: http.StatusInternalServerError, Retryable: true, RetryAfter: 120 * time.Second},
}

// Classification returns the static description of k. Unknown kinds map to INTERNAL_ERROR.
func (k Kind) Classification() Classification {
	if c, ok := classifications[k]; ok {
		return c
	}
	return classifications[KindInternal]
}

// Machine codes carried alongside a Kind.
const (
	CodeMissingField            = "MISSING_REQUIRED_FIELD"
	CodeInvalidField            = "INVALID_FIELD_VALUE"
	CodeInvalidTransactionID    = "INVALID_TRANSACTION_ID"
	CodeInvalidReasonLength     = "INVALID_REASON_LENGTH"
	CodeInvalidNotesLength      = "INVALID_NOTES_LENGTH"
	CodeInvalidResolutionMethod = "INVALID_RESOLUTION_METHOD"
	CodeBulkSizeExceeded        = "BULK_SIZE_EXCEEDED"
	CodeExceptionNotFound       = "EXCEPTION_NOT_FOUND"
	CodeAlreadyResolved         = "ALREADY_RESOLVED"
	CodeAlreadyAcknowledged     = "ALREADY_ACKNOWLEDGED"
	CodeInvalidTransition       = "INVALID_STATUS_TRANSITION"
	CodeNotRetryable            = "NOT_RETRYABLE"
	CodeRetryLimitExceeded      = "RETRY_LIMIT_EXCEEDED"
	CodePendingRetryExists      = "PENDING_RETRY_EXISTS"
	CodeNoPendingRetry          = "NO_PENDING_RETRY"
	CodeConcurrentModification  = "CONCURRENT_MODIFICATION"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodePageSizeExceeded        = "PAGE_SIZE_EXCEEDED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeExternalService         = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout                 = "TIMEOUT"
	CodeInternal                = "INTERNAL_ERROR"
)

// Error is a classified failure. Message is intended for callers; Err keeps
// the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a classified error that keeps err as its cause.
func Wrap(kind Kind, code string, err error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: message}
}

func BusinessRule(code, message string) *Error {
	return New(KindBusinessRule, code, message)
}

func NotFound(transactionID string) *Error {
	return New(KindNotFound, CodeExceptionNotFound, "exception not found: "+transactionID)
}

func ConcurrentModification(message string) *Error {
	return New(KindConcurrentModification, CodeConcurrentModification, message)
}

// Classify returns the Kind for any error. Classified errors keep their kind,
// deadline expiry maps to TIMEOUT and everything else is INTERNAL_ERROR.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// CodeOf returns the machine code carried by err, or the kind name.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return string(Classify(err))
}
