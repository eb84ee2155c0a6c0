// Package lifecycle holds the exception state machine. Functions here are pure:
// they validate a transition against a record and return the edited copy,
// leaving persistence and locking to the caller.
package lifecycle

import (
	"fmt"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/models"
)

// AckPolicy decides what acknowledging an ACKNOWLEDGED record does.
type AckPolicy string

const (
	AckIdempotent AckPolicy = "idempotent"
	AckStrict     AckPolicy = "strict"
)

// Machine applies transitions under a fixed acknowledge policy.
type Machine struct {
	AckPolicy AckPolicy
}

// Transition is the result of a legal state change.
type Transition struct {
	Record models.ExceptionRecord
	Change *models.StatusChange
	NoOp   bool
}

func alreadyResolved(rec models.ExceptionRecord) error {
	return apperr.BusinessRule(apperr.CodeAlreadyResolved,
		fmt.Sprintf("exception %s is already resolved", rec.TransactionID))
}

// Acknowledge moves NEW to ACKNOWLEDGED.
func (m Machine) Acknowledge(rec models.ExceptionRecord, actor, notes string, now time.Time) (Transition, error) {
	switch rec.Status {
	case models.StatusNew:
	case models.StatusResolved:
		return Transition{}, alreadyResolved(rec)
	case models.StatusAcknowledged:
		if m.AckPolicy == AckStrict {
			return Transition{}, apperr.BusinessRule(apperr.CodeAlreadyAcknowledged,
				fmt.Sprintf("exception %s is already acknowledged", rec.TransactionID))
		}
		return Transition{Record: rec, NoOp: true}, nil
	default:
		return Transition{}, apperr.BusinessRule(apperr.CodeInvalidTransition,
			fmt.Sprintf("cannot acknowledge exception in status %s", rec.Status))
	}

	next := rec.Clone()
	next.Status = models.StatusAcknowledged
	next.AcknowledgedBy = actor
	next.AcknowledgeNotes = notes
	if next.AcknowledgedAt == nil {
		next.AcknowledgedAt = &now
	}
	return Transition{Record: next, Change: change(rec, next.Status, actor, notes, now)}, nil
}

// Resolve moves any non-terminal status to RESOLVED.
func (m Machine) Resolve(rec models.ExceptionRecord, actor string, method models.ResolutionMethod, notes string, now time.Time) (Transition, error) {
	if !method.Valid() {
		return Transition{}, apperr.Validation(apperr.CodeInvalidResolutionMethod, "resolutionMethod",
			fmt.Sprintf("unsupported resolution method %q", method))
	}
	if rec.Status == models.StatusResolved {
		return Transition{}, alreadyResolved(rec)
	}
	next := rec.Clone()
	next.Status = models.StatusResolved
	next.ResolvedAt = &now
	next.ResolvedBy = actor
	next.ResolutionMethod = method
	next.ResolutionNotes = notes
	return Transition{Record: next, Change: change(rec, next.Status, actor, notes, now)}, nil
}

// CanStartRetry checks every precondition for reserving a new attempt.
// retryable=false is an absolute veto regardless of remaining budget.
func (m Machine) CanStartRetry(rec models.ExceptionRecord, pending int) error {
	if !rec.Retryable {
		return apperr.BusinessRule(apperr.CodeNotRetryable,
			fmt.Sprintf("exception %s is not retryable", rec.TransactionID))
	}
	if rec.Status == models.StatusResolved {
		return alreadyResolved(rec)
	}
	if rec.RetryCount >= rec.MaxRetries {
		return apperr.BusinessRule(apperr.CodeRetryLimitExceeded,
			fmt.Sprintf("retry limit of %d reached for exception %s", rec.MaxRetries, rec.TransactionID))
	}
	if pending > 0 {
		return apperr.BusinessRule(apperr.CodePendingRetryExists,
			fmt.Sprintf("a retry is already pending for exception %s", rec.TransactionID))
	}
	return nil
}

// StartRetry stamps the reservation of a new attempt. Status is unchanged
// until the attempt completes.
func (m Machine) StartRetry(rec models.ExceptionRecord, now time.Time) models.ExceptionRecord {
	next := rec.Clone()
	next.LastRetryAt = &now
	return next
}

// CompleteRetry applies a terminal SUCCESS or FAILED attempt outcome.
// A record resolved while the attempt was in flight is returned unchanged
// as a no-op.
func (m Machine) CompleteRetry(rec models.ExceptionRecord, success bool, actor, message string, now time.Time) Transition {
	if rec.Status == models.StatusResolved {
		return Transition{Record: rec, NoOp: true}
	}
	next := rec.Clone()
	if next.RetryCount < next.MaxRetries {
		next.RetryCount++
	}

	switch {
	case success:
		next.Status = models.StatusResolved
		next.ResolvedAt = &now
		next.ResolvedBy = actor
		next.ResolutionMethod = models.ResolutionRetrySuccess
	case next.RetryCount < next.MaxRetries:
		next.Status = models.StatusRetriedFailed
	default:
		next.Status = models.StatusEscalated
	}
	if next.Status == rec.Status {
		return Transition{Record: next}
	}
	return Transition{Record: next, Change: change(rec, next.Status, actor, message, now)}
}

func change(rec models.ExceptionRecord, to models.Status, actor, reason string, now time.Time) *models.StatusChange {
	return &models.StatusChange{
		TransactionID: rec.TransactionID,
		FromStatus:    rec.Status,
		ToStatus:      to,
		ChangedBy:     actor,
		ChangedAt:     now,
		Reason:        reason,
	}
}
