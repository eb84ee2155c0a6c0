package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"exception-collector/internal/apperr"
	"exception-collector/internal/models"
)

// ItemResult is the outcome for one entry of a bulk request.
type ItemResult struct {
	TransactionID string                  `json:"transactionId"`
	Success       bool                    `json:"success"`
	Record        *models.ExceptionRecord `json:"exception,omitempty"`
	Attempt       *models.RetryAttempt    `json:"retryAttempt,omitempty"`
	Error         *apperr.Public          `json:"error,omitempty"`
}

// BulkResult aggregates per-item outcomes in input order. Errors holds
// request-level failures only.
type BulkResult struct {
	SuccessCount int             `json:"successCount"`
	FailureCount int             `json:"failureCount"`
	Results      []ItemResult    `json:"results"`
	Errors       []apperr.Public `json:"errors"`
}

// BulkAcknowledge acknowledges every id independently.
func (c *Coordinator) BulkAcknowledge(ctx context.Context, ids []string, actor, notes string) (BulkResult, error) {
	if err := c.validateBulk(ids, actor); err != nil {
		return c.rejectBulk(ctx, "bulkAcknowledge", err)
	}
	return c.runBulk(ctx, "bulkAcknowledge", ids, func(ctx context.Context, id string) (ItemResult, error) {
		rec, err := c.Acknowledge(ctx, AcknowledgeInput{TransactionID: id, Actor: actor, Notes: notes})
		if err != nil {
			return ItemResult{}, err
		}
		return ItemResult{Record: &rec}, nil
	}), nil
}

// BulkRetry initiates a retry for every id independently.
func (c *Coordinator) BulkRetry(ctx context.Context, ids []string, actor, reason string) (BulkResult, error) {
	if err := c.validateBulk(ids, actor); err != nil {
		return c.rejectBulk(ctx, "bulkRetry", err)
	}
	return c.runBulk(ctx, "bulkRetry", ids, func(ctx context.Context, id string) (ItemResult, error) {
		out, err := c.InitiateRetry(ctx, RetryInput{TransactionID: id, Actor: actor, Reason: reason})
		if err != nil {
			// A dispatch failure still recorded an attempt.
			if out.Attempt.AttemptNumber > 0 {
				return ItemResult{Record: &out.Record, Attempt: &out.Attempt}, err
			}
			return ItemResult{}, err
		}
		return ItemResult{Record: &out.Record, Attempt: &out.Attempt}, nil
	}), nil
}

func (c *Coordinator) validateBulk(ids []string, actor string) error {
	switch {
	case len(ids) == 0:
		return apperr.Validation(apperr.CodeMissingField, "transactionIds", "at least one transaction id is required")
	case len(ids) > c.opts.MaxBulkSize:
		return apperr.Validation(apperr.CodeBulkSizeExceeded, "transactionIds",
			fmt.Sprintf("bulk operations accept at most %d transaction ids, got %d", c.opts.MaxBulkSize, len(ids)))
	}
	return validateActor(actor)
}

func (c *Coordinator) rejectBulk(ctx context.Context, op string, err error) (BulkResult, error) {
	c.observe(op, err)
	return BulkResult{Results: []ItemResult{}, Errors: []apperr.Public{c.reporter.Public(ctx, op, err)}}, err
}

// runBulk applies fn to every id. Distinct ids run concurrently; repeats of
// the same id run in input order inside one task so they observe each other.
func (c *Coordinator) runBulk(ctx context.Context, op string, ids []string, fn func(ctx context.Context, id string) (ItemResult, error)) BulkResult {
	results := make([]ItemResult, len(ids))
	positions := make(map[string][]int, len(ids))
	var order []string
	for i, id := range ids {
		if _, ok := positions[id]; !ok {
			order = append(order, id)
		}
		positions[id] = append(positions[id], i)
	}

	var g errgroup.Group
	g.SetLimit(c.opts.BulkConcurrency)
	for _, id := range order {
		g.Go(func() error {
			for _, i := range positions[id] {
				item, err := fn(ctx, id)
				item.TransactionID = id
				item.Success = err == nil
				if err != nil {
					pub := c.reporter.Public(ctx, op, err)
					item.Error = &pub
				}
				results[i] = item
			}
			return nil
		})
	}
	_ = g.Wait()

	out := BulkResult{Results: results, Errors: []apperr.Public{}}
	for _, r := range results {
		if r.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	c.logger.InfoContext(ctx, "bulk operation finished", "op", op,
		"total", len(ids), "succeeded", out.SuccessCount, "failed", out.FailureCount)
	return out
}
