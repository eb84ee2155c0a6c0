package store

import (
	"context"
	"errors"
	"time"

	"exception-collector/internal/models"
)

var (
	// ErrNotFound is returned when no exception exists for a transaction id.
	ErrNotFound = errors.New("exception not found")
	// ErrLocked is returned by a NoWait lock when another mutation holds the row.
	ErrLocked = errors.New("exception is locked by another operation")
	// ErrVersionConflict is returned when a compare-and-set on version fails.
	ErrVersionConflict = errors.New("exception version conflict")
	// ErrAttemptNotFound is returned when a retry attempt number does not exist.
	ErrAttemptNotFound = errors.New("retry attempt not found")
)

// LockMode selects how WithLock behaves when the row is already locked.
type LockMode int

const (
	// NoWait fails immediately with ErrLocked.
	NoWait LockMode = iota
	// Wait blocks until the lock is released or ctx ends.
	Wait
)

// CreateExceptionParams collects inputs required to insert an exception.
type CreateExceptionParams struct {
	TransactionID string
	InterfaceType models.InterfaceType
	ExternalID    string
	CustomerID    string
	LocationCode  string
	Operation     string
	Reason        string
	Category      models.Category
	Severity      models.Severity
	Retryable     bool
	MaxRetries    int
	OccurredAt    time.Time
	CapturedBy    string
}

// SortField names the columns ListExceptions can order by.
type SortField string

const (
	SortOccurredAt SortField = "occurredAt"
	SortSeverity   SortField = "severity"
	SortRetryCount SortField = "retryCount"
)

// ListParams filters and paginates ListExceptions. Zero values do not filter.
type ListParams struct {
	InterfaceTypes []models.InterfaceType
	Statuses       []models.Status
	Severities     []models.Severity
	Categories     []models.Category
	CustomerID     string
	Retryable      *bool
	OccurredFrom   *time.Time
	OccurredTo     *time.Time

	Sort       SortField
	Descending bool
	Offset     int
	Limit      int
}

// Page is one slice of a filtered exception listing.
type Page struct {
	Items []models.ExceptionRecord
	Total int
}

// Repository is the Exception Store and Retry Ledger.
type Repository interface {
	// CreateException inserts a record on first sight of its transaction id. The
	// boolean reports whether an existing record was returned instead.
	CreateException(ctx context.Context, p CreateExceptionParams) (models.ExceptionRecord, bool, error)
	GetException(ctx context.Context, transactionID string) (models.ExceptionRecord, error)
	ListExceptions(ctx context.Context, p ListParams) (Page, error)

	// Batch reads used by the loaders; each issues a single query.
	ExceptionsByTransactionIDs(ctx context.Context, ids []string) ([]models.ExceptionRecord, error)
	RetryAttemptsByTransactionIDs(ctx context.Context, ids []string) ([]models.RetryAttempt, error)
	StatusChangesByTransactionIDs(ctx context.Context, ids []string) ([]models.StatusChange, error)

	// WithLock runs fn while holding the exclusive lock on one exception. Writes
	// made through Tx commit only when fn returns nil.
	WithLock(ctx context.Context, transactionID string, mode LockMode, fn func(ctx context.Context, tx Tx) error) error

	Close()
}

// Tx is the locked view of one exception and its retry ledger.
type Tx interface {
	Exception() models.ExceptionRecord
	// SaveException writes rec if its Version still matches the stored one and
	// returns the record with the bumped version.
	SaveException(ctx context.Context, rec models.ExceptionRecord) (models.ExceptionRecord, error)
	Attempts(ctx context.Context) ([]models.RetryAttempt, error)
	InsertAttempt(ctx context.Context, a models.RetryAttempt) (models.RetryAttempt, error)
	UpdateAttempt(ctx context.Context, a models.RetryAttempt) error
	AppendStatusChange(ctx context.Context, c models.StatusChange) error
}

// NextAttemptNumber returns max(attemptNumber)+1 over attempts.
func NextAttemptNumber(attempts []models.RetryAttempt) int {
	max := 0
	for _, a := range attempts {
		if a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}
	return max + 1
}

// PendingAttempts filters attempts still in PENDING.
func PendingAttempts(attempts []models.RetryAttempt) []models.RetryAttempt {
	var out []models.RetryAttempt
	for _, a := range attempts {
		if a.Status == models.RetryPending {
			out = append(out, a)
		}
	}
	return out
}
