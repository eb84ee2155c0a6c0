package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/events"
	"exception-collector/internal/loader"
	"exception-collector/internal/models"
	"exception-collector/internal/store"
	"exception-collector/internal/telemetry"
)

// RetryInput is the request to retry one exception.
type RetryInput struct {
	TransactionID   string
	Actor           string
	Reason          string
	ExpectedVersion *int64
}

// RetryOutcome is the record and attempt after a retry call returns. With
// asynchronous retries the attempt is still PENDING.
type RetryOutcome struct {
	Record  models.ExceptionRecord `json:"exception"`
	Attempt models.RetryAttempt    `json:"retryAttempt"`
}

// InitiateRetry reserves the next attempt number under the row lock, then
// looks up the payload and dispatches it without holding the lock.
func (c *Coordinator) InitiateRetry(ctx context.Context, in RetryInput) (RetryOutcome, error) {
	out, err := c.initiateRetry(ctx, in)
	c.observe("initiateRetry", err)
	return out, err
}

func (c *Coordinator) initiateRetry(ctx context.Context, in RetryInput) (RetryOutcome, error) {
	if err := firstErr(
		validateTransactionID(in.TransactionID),
		validateActor(in.Actor),
		validateLength("reason", in.Reason, maxReasonLength, apperr.CodeInvalidReasonLength),
	); err != nil {
		return RetryOutcome{}, err
	}

	reserved, err := c.reserveAttempt(ctx, in)
	if err != nil {
		return RetryOutcome{}, mapStoreErr(err, in.TransactionID)
	}
	c.emit(ctx, events.RetryInitiated, reserved.Record, map[string]any{
		"attemptNumber": reserved.Attempt.AttemptNumber,
		"initiatedBy":   in.Actor,
	})

	if c.opts.RetryAsync {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.performRetry(context.WithoutCancel(ctx), reserved); err != nil {
				c.logger.Warn("background retry failed", "transaction_id", in.TransactionID,
					"attempt", reserved.Attempt.AttemptNumber, "error", err)
			}
		}()
		return reserved, nil
	}
	return c.performRetry(ctx, reserved)
}

func (c *Coordinator) reserveAttempt(ctx context.Context, in RetryInput) (RetryOutcome, error) {
	var out RetryOutcome
	err := c.repo.WithLock(ctx, in.TransactionID, store.NoWait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		if err := checkVersion(rec, in.ExpectedVersion); err != nil {
			return err
		}
		attempts, err := tx.Attempts(ctx)
		if err != nil {
			return err
		}
		if err := c.machine.CanStartRetry(rec, len(store.PendingAttempts(attempts))); err != nil {
			return err
		}
		now := c.now()
		attempt, err := tx.InsertAttempt(ctx, models.RetryAttempt{
			AttemptNumber: store.NextAttemptNumber(attempts),
			Status:        models.RetryPending,
			InitiatedBy:   in.Actor,
			InitiatedAt:   now,
			Reason:        in.Reason,
		})
		if err != nil {
			return err
		}
		saved, err := tx.SaveException(ctx, c.machine.StartRetry(rec, now))
		if err != nil {
			return err
		}
		out = RetryOutcome{Record: saved, Attempt: attempt}
		return nil
	})
	return out, err
}

// performRetry runs the external half of a retry and records its outcome. The
// returned error is the classified dispatch failure, if any; the attempt has
// already been recorded as FAILED in that case. The outcome is recorded even
// when ctx was cancelled during dispatch.
func (c *Coordinator) performRetry(ctx context.Context, reserved RetryOutcome) (RetryOutcome, error) {
	txID := reserved.Record.TransactionID
	result, cause := c.dispatch(ctx, txID)

	out, err := c.completeRetry(context.WithoutCancel(ctx), reserved, result)
	if err != nil {
		c.logger.ErrorContext(ctx, "record retry outcome", "transaction_id", txID,
			"attempt", reserved.Attempt.AttemptNumber, "error", err)
		return reserved, mapStoreErr(err, txID)
	}
	return out, cause
}

// dispatch looks up the original payload and resubmits it. Unreachable
// collaborators produce a failed result plus a classified cause.
func (c *Coordinator) dispatch(ctx context.Context, txID string) (models.RetryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	defer cancel()
	start := time.Now()
	defer func() { telemetry.RetryDispatch.Observe(time.Since(start).Seconds()) }()

	var body []byte
	if c.lookup != nil {
		pl, err := c.lookup.LookupPayload(ctx, txID)
		if err != nil {
			cause := externalCause(err, "payload service unavailable")
			return failedResult(cause), cause
		}
		if !pl.Retrieved {
			return models.RetryResult{Message: apperr.Sanitize("original payload unavailable: " + pl.ErrorMessage)}, nil
		}
		body = pl.Payload
	}
	if c.dispatcher == nil {
		cause := apperr.New(apperr.KindExternalService, apperr.CodeExternalService, "no reprocessing service configured")
		return failedResult(cause), cause
	}

	res, err := c.dispatcher.DispatchRetry(ctx, txID, body)
	if err != nil {
		cause := externalCause(err, "reprocessing service unavailable")
		return failedResult(cause), cause
	}
	code := res.ResponseCode
	return models.RetryResult{Success: res.Success, Message: apperr.Sanitize(res.Message), ResponseCode: &code}, nil
}

func externalCause(err error, msg string) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, apperr.CodeTimeout, err, msg+": timed out")
	}
	return apperr.Wrap(apperr.KindExternalService, apperr.CodeExternalService, err, msg)
}

func failedResult(cause *apperr.Error) models.RetryResult {
	details := map[string]any{"classification": cause.Kind}
	if cause.Err != nil {
		details["cause"] = apperr.Sanitize(cause.Err.Error())
	}
	return models.RetryResult{Message: cause.Message, ErrorDetails: details}
}

// completeRetry records a terminal attempt outcome. An attempt cancelled while
// the dispatch was in flight keeps its CANCELLED status and the result is dropped.
func (c *Coordinator) completeRetry(ctx context.Context, reserved RetryOutcome, result models.RetryResult) (RetryOutcome, error) {
	txID := reserved.Record.TransactionID
	var out RetryOutcome
	var changed, discarded bool

	err := c.repo.WithLock(ctx, txID, store.Wait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		attempts, err := tx.Attempts(ctx)
		if err != nil {
			return err
		}
		attempt, ok := findAttempt(attempts, reserved.Attempt.AttemptNumber)
		if !ok {
			return store.ErrAttemptNotFound
		}
		if attempt.Status != models.RetryPending {
			out, discarded = RetryOutcome{Record: rec, Attempt: attempt}, true
			return nil
		}

		now := c.now()
		attempt.Status = models.RetryFailed
		if result.Success {
			attempt.Status = models.RetrySuccess
		}
		attempt.CompletedAt = &now
		attempt.Result = &result
		if err := tx.UpdateAttempt(ctx, attempt); err != nil {
			return err
		}

		reason := fmt.Sprintf("retry attempt %d %s", attempt.AttemptNumber, attempt.Status)
		if result.Message != "" {
			reason += ": " + result.Message
		}
		t := c.machine.CompleteRetry(rec, result.Success, attempt.InitiatedBy, reason, now)
		saved := rec
		if !t.NoOp {
			if saved, err = tx.SaveException(ctx, t.Record); err != nil {
				return err
			}
		}
		if t.Change != nil {
			if err := tx.AppendStatusChange(ctx, *t.Change); err != nil {
				return err
			}
		}
		out = RetryOutcome{Record: saved, Attempt: attempt}
		changed = t.Change != nil
		return nil
	})
	if err != nil {
		return RetryOutcome{}, err
	}
	if discarded {
		c.logger.InfoContext(ctx, "retry result discarded for cancelled attempt",
			"transaction_id", txID, "attempt", out.Attempt.AttemptNumber)
		return out, nil
	}

	telemetry.RetryOutcomes.WithLabelValues(string(out.Attempt.Status)).Inc()
	c.emit(ctx, events.RetryCompleted, out.Record, map[string]any{
		"attemptNumber": out.Attempt.AttemptNumber,
		"success":       result.Success,
		"message":       apperr.Sanitize(result.Message),
	})
	if changed {
		switch out.Record.Status {
		case models.StatusResolved:
			c.emit(ctx, events.ExceptionResolved, out.Record, map[string]any{"resolutionMethod": out.Record.ResolutionMethod})
		case models.StatusEscalated:
			if out.Record.Severity == models.SeverityCritical {
				c.emit(ctx, events.CriticalAlert, out.Record, map[string]any{"trigger": "escalated"})
			}
		}
	}
	return out, nil
}

func findAttempt(attempts []models.RetryAttempt, number int) (models.RetryAttempt, bool) {
	for _, a := range attempts {
		if a.AttemptNumber == number {
			return a, true
		}
	}
	return models.RetryAttempt{}, false
}

// CancelInput is the request to cancel the pending retry of one exception.
type CancelInput struct {
	TransactionID string
	Actor         string
	Reason        string
}

// CancelRetry marks the PENDING attempt CANCELLED. The exception record,
// including its version, is left untouched.
func (c *Coordinator) CancelRetry(ctx context.Context, in CancelInput) (models.RetryAttempt, error) {
	out, err := c.cancelRetry(ctx, in)
	c.observe("cancelRetry", err)
	return out, err
}

func (c *Coordinator) cancelRetry(ctx context.Context, in CancelInput) (models.RetryAttempt, error) {
	if err := firstErr(
		validateTransactionID(in.TransactionID),
		validateActor(in.Actor),
		validateLength("reason", in.Reason, maxReasonLength, apperr.CodeInvalidReasonLength),
	); err != nil {
		return models.RetryAttempt{}, err
	}

	var cancelled models.RetryAttempt
	var rec models.ExceptionRecord
	err := c.repo.WithLock(ctx, in.TransactionID, store.NoWait, func(ctx context.Context, tx store.Tx) error {
		attempts, err := tx.Attempts(ctx)
		if err != nil {
			return err
		}
		pending := store.PendingAttempts(attempts)
		if len(pending) == 0 {
			return apperr.BusinessRule(apperr.CodeNoPendingRetry,
				fmt.Sprintf("no pending retry to cancel for exception %s", in.TransactionID))
		}
		now := c.now()
		a := pending[len(pending)-1]
		a.Status = models.RetryCancelled
		a.CompletedAt = &now
		msg := "cancelled by " + in.Actor
		if in.Reason != "" {
			msg += ": " + in.Reason
		}
		a.Result = &models.RetryResult{Message: apperr.Sanitize(msg)}
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return err
		}
		cancelled, rec = a, tx.Exception()
		return nil
	})
	if err != nil {
		return models.RetryAttempt{}, mapStoreErr(err, in.TransactionID)
	}
	c.emit(ctx, events.RetryCancelled, rec, map[string]any{
		"attemptNumber": cancelled.AttemptNumber,
		"cancelledBy":   in.Actor,
	})
	return cancelled, nil
}

// RetryHistory returns the attempts of one exception ordered by attempt number.
func (c *Coordinator) RetryHistory(ctx context.Context, transactionID string) ([]models.RetryAttempt, error) {
	if _, err := c.GetException(ctx, transactionID); err != nil {
		return nil, err
	}
	reg, ok := loader.FromContext(ctx)
	if !ok {
		reg = loader.NewFactory(c.repo, nil, loader.Options{}, c.logger).New()
	}
	res := reg.RetryHistory.Load(ctx, transactionID)
	if res.Err != nil {
		return nil, mapStoreErr(res.Err, transactionID)
	}
	return res.Value, nil
}

// StatusHistory returns the status changes of one exception, oldest first.
func (c *Coordinator) StatusHistory(ctx context.Context, transactionID string) ([]models.StatusChange, error) {
	if _, err := c.GetException(ctx, transactionID); err != nil {
		return nil, err
	}
	reg, ok := loader.FromContext(ctx)
	if !ok {
		reg = loader.NewFactory(c.repo, nil, loader.Options{}, c.logger).New()
	}
	res := reg.StatusHistory.Load(ctx, transactionID)
	if res.Err != nil {
		return nil, mapStoreErr(res.Err, transactionID)
	}
	return res.Value, nil
}

// CountPendingRetries reports how many attempts are PENDING.
func (c *Coordinator) CountPendingRetries(ctx context.Context, transactionID string) (int, error) {
	attempts, err := c.RetryHistory(ctx, transactionID)
	if err != nil {
		return 0, err
	}
	return len(store.PendingAttempts(attempts)), nil
}

// HasCancellableRetries reports whether CancelRetry would find an attempt.
func (c *Coordinator) HasCancellableRetries(ctx context.Context, transactionID string) (bool, error) {
	n, err := c.CountPendingRetries(ctx, transactionID)
	return n > 0, err
}

// RetryStatistics summarizes the attempts of one exception.
func (c *Coordinator) RetryStatistics(ctx context.Context, transactionID string) (models.RetryStatistics, error) {
	attempts, err := c.RetryHistory(ctx, transactionID)
	if err != nil {
		return models.RetryStatistics{}, err
	}
	return models.SummarizeAttempts(attempts), nil
}
