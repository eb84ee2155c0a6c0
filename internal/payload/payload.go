// Package payload talks to the Payload Service collaborator: it retrieves the
// original request of a failed transaction and dispatches retries of it.
package payload

import (
	"context"
	"encoding/json"

	"exception-collector/internal/apperr"
)

// Result is the outcome of one payload lookup. Retrieved=false carries a
// human-readable ErrorMessage instead of a payload.
type Result struct {
	Retrieved    bool            `json:"retrieved"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Unavailable builds a Result for a payload that could not be retrieved. The
// message is shown to callers and is sanitized.
func Unavailable(msg string) Result {
	return Result{ErrorMessage: apperr.Sanitize(msg)}
}

// DispatchResult is what the reprocessing endpoint reported for a retry.
type DispatchResult struct {
	Success      bool
	ResponseCode int
	Message      string
}

// Lookup fetches original payloads one transaction at a time. An error means
// the collaborator could not be reached; a missing payload is a Result.
type Lookup interface {
	LookupPayload(ctx context.Context, transactionID string) (Result, error)
}

// Dispatcher resubmits a payload for reprocessing. An error means the
// collaborator could not be reached.
type Dispatcher interface {
	DispatchRetry(ctx context.Context, transactionID string, payload json.RawMessage) (DispatchResult, error)
}
