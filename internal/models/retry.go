package models

import "time"

// RetryStatus is the lifecycle of a single retry attempt.
type RetryStatus string

const (
	RetryPending   RetryStatus = "PENDING"
	RetrySuccess   RetryStatus = "SUCCESS"
	RetryFailed    RetryStatus = "FAILED"
	RetryCancelled RetryStatus = "CANCELLED"
)

// Terminal reports whether the attempt can no longer change status.
func (s RetryStatus) Terminal() bool {
	return s == RetrySuccess || s == RetryFailed || s == RetryCancelled
}

// RetryResult is the outcome envelope recorded on a completed attempt.
type RetryResult struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	ResponseCode *int           `json:"responseCode,omitempty"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`
}

// RetryAttempt is one append-only try at reprocessing a failed transaction.
type RetryAttempt struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	AttemptNumber int          `json:"attemptNumber"`
	Status        RetryStatus  `json:"status"`
	InitiatedBy   string       `json:"initiatedBy"`
	InitiatedAt   time.Time    `json:"initiatedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Result        *RetryResult `json:"result,omitempty"`
}

// RetryStatistics summarizes the attempts recorded for one exception.
type RetryStatistics struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
}

// SummarizeAttempts counts attempts by status.
func SummarizeAttempts(attempts []RetryAttempt) RetryStatistics {
	var s RetryStatistics
	for _, a := range attempts {
		s.Total++
		switch a.Status {
		case RetrySuccess:
			s.Succeeded++
		case RetryFailed:
			s.Failed++
		case RetryPending:
			s.Pending++
		case RetryCancelled:
			s.Cancelled++
		}
	}
	return s
}
