package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"exception-collector/internal/models"
	"exception-collector/internal/store"
)

func seed(t *testing.T, s *Storage, id string) models.ExceptionRecord {
	t.Helper()
	rec, existed, err := s.CreateException(context.Background(), store.CreateExceptionParams{
		TransactionID: id,
		InterfaceType: models.InterfaceOrder,
		Category:      models.CategoryBusinessRule,
		Severity:      models.SeverityMedium,
		Retryable:     true,
		MaxRetries:    3,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil || existed {
		t.Fatalf("seed %s: existed=%v err=%v", id, existed, err)
	}
	return rec
}

func TestCreateExceptionIsIdempotent(t *testing.T) {
	s := New()
	first := seed(t, s, "TX-1")
	again, existed, err := s.CreateException(context.Background(), store.CreateExceptionParams{TransactionID: "TX-1", MaxRetries: 9})
	if err != nil || !existed {
		t.Fatalf("expected existing record, existed=%v err=%v", existed, err)
	}
	if again.ID != first.ID || again.MaxRetries != 3 {
		t.Fatalf("duplicate arrival must not overwrite: %+v", again)
	}
	page, _ := s.ListExceptions(context.Background(), store.ListParams{})
	if page.Total != 1 {
		t.Fatalf("expected one record, got %d", page.Total)
	}
}

func TestWithLockNoWaitRejectsConcurrentHolder(t *testing.T) {
	s := New()
	seed(t, s, "TX-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithLock(context.Background(), "TX-1", store.NoWait, func(ctx context.Context, tx store.Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := s.WithLock(context.Background(), "TX-1", store.NoWait, func(ctx context.Context, tx store.Tx) error { return nil })
	if !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// Other keys are unaffected.
	seed(t, s, "TX-2")
	if err := s.WithLock(context.Background(), "TX-2", store.NoWait, func(ctx context.Context, tx store.Tx) error { return nil }); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
}

func TestWithLockRollsBackOnError(t *testing.T) {
	s := New()
	seed(t, s, "TX-1")
	boom := errors.New("boom")

	err := s.WithLock(context.Background(), "TX-1", store.Wait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		rec.Status = models.StatusAcknowledged
		if _, err := tx.SaveException(ctx, rec); err != nil {
			return err
		}
		if _, err := tx.InsertAttempt(ctx, models.RetryAttempt{AttemptNumber: 1, Status: models.RetryPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	rec, _ := s.GetException(context.Background(), "TX-1")
	if rec.Status != models.StatusNew || rec.Version != 0 {
		t.Fatalf("write leaked past rollback: %+v", rec)
	}
	attempts, _ := s.RetryAttemptsByTransactionIDs(context.Background(), []string{"TX-1"})
	if len(attempts) != 0 {
		t.Fatalf("attempt leaked past rollback: %+v", attempts)
	}
}

func TestSaveExceptionChecksVersion(t *testing.T) {
	s := New()
	seed(t, s, "TX-1")
	err := s.WithLock(context.Background(), "TX-1", store.Wait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		rec.Version = 7
		_, err := tx.SaveException(ctx, rec)
		return err
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestListExceptionsFiltersAndSorts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sev := range []models.Severity{models.SeverityLow, models.SeverityCritical, models.SeverityHigh} {
		_, _, _ = s.CreateException(ctx, store.CreateExceptionParams{
			TransactionID: []string{"A", "B", "C"}[i],
			InterfaceType: models.InterfaceOrder,
			Severity:      sev,
			MaxRetries:    3,
			OccurredAt:    base.Add(time.Duration(i) * time.Hour),
		})
	}
	page, err := s.ListExceptions(ctx, store.ListParams{Sort: store.SortSeverity, Descending: true, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.Items[0].TransactionID != "B" || page.Items[1].TransactionID != "C" {
		t.Fatalf("unexpected page: total=%d items=%+v", page.Total, page.Items)
	}
	page, _ = s.ListExceptions(ctx, store.ListParams{Severities: []models.Severity{models.SeverityLow}})
	if page.Total != 1 || page.Items[0].TransactionID != "A" {
		t.Fatalf("severity filter failed: %+v", page)
	}
}
