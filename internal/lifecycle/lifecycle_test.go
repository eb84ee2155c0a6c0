package lifecycle

import (
	"testing"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(status models.Status) models.ExceptionRecord {
	return models.ExceptionRecord{
		TransactionID: "TX-1",
		Status:        status,
		Retryable:     true,
		MaxRetries:    3,
		Version:       4,
	}
}

func TestAcknowledgeTransitions(t *testing.T) {
	m := Machine{AckPolicy: AckIdempotent}
	cases := []struct {
		from    models.Status
		want    models.Status
		errKind apperr.Kind
		noop    bool
	}{
		{from: models.StatusNew, want: models.StatusAcknowledged},
		{from: models.StatusAcknowledged, want: models.StatusAcknowledged, noop: true},
		{from: models.StatusRetriedFailed, errKind: apperr.KindBusinessRule},
		{from: models.StatusEscalated, errKind: apperr.KindBusinessRule},
		{from: models.StatusResolved, errKind: apperr.KindBusinessRule},
	}
	for _, tc := range cases {
		tr, err := m.Acknowledge(record(tc.from), "ops", "looking", now)
		if tc.errKind != "" {
			if apperr.Classify(err) != tc.errKind {
				t.Fatalf("%s: expected %s, got %v", tc.from, tc.errKind, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.from, err)
		}
		if tr.Record.Status != tc.want || tr.NoOp != tc.noop {
			t.Fatalf("%s: got status %s noop=%v", tc.from, tr.Record.Status, tr.NoOp)
		}
		if !tc.noop && (tr.Record.AcknowledgedAt == nil || tr.Change == nil) {
			t.Fatalf("%s: acknowledgement not stamped", tc.from)
		}
	}
}

func TestAcknowledgeStrictPolicy(t *testing.T) {
	m := Machine{AckPolicy: AckStrict}
	_, err := m.Acknowledge(record(models.StatusAcknowledged), "ops", "", now)
	if apperr.CodeOf(err) != apperr.CodeAlreadyAcknowledged {
		t.Fatalf("expected ALREADY_ACKNOWLEDGED, got %v", err)
	}
}

func TestResolveTransitions(t *testing.T) {
	m := Machine{}
	for _, from := range []models.Status{models.StatusNew, models.StatusAcknowledged, models.StatusRetriedFailed, models.StatusEscalated} {
		tr, err := m.Resolve(record(from), "ops", models.ResolutionManual, "fixed upstream", now)
		if err != nil {
			t.Fatalf("%s: %v", from, err)
		}
		if tr.Record.Status != models.StatusResolved || tr.Record.ResolvedAt == nil || tr.Record.ResolvedBy != "ops" {
			t.Fatalf("%s: resolution not stamped: %+v", from, tr.Record)
		}
	}
	if _, err := m.Resolve(record(models.StatusResolved), "ops", models.ResolutionManual, "", now); apperr.CodeOf(err) != apperr.CodeAlreadyResolved {
		t.Fatalf("expected ALREADY_RESOLVED, got %v", err)
	}
	if _, err := m.Resolve(record(models.StatusNew), "ops", "BY_MAGIC", "", now); apperr.Classify(err) != apperr.KindValidation {
		t.Fatalf("expected VALIDATION for unknown method, got %v", err)
	}
}

func TestCanStartRetry(t *testing.T) {
	m := Machine{}
	notRetryable := record(models.StatusNew)
	notRetryable.Retryable = false
	exhausted := record(models.StatusEscalated)
	exhausted.RetryCount = 3

	cases := []struct {
		name    string
		rec     models.ExceptionRecord
		pending int
		code    string
	}{
		{"new", record(models.StatusNew), 0, ""},
		{"acknowledged", record(models.StatusAcknowledged), 0, ""},
		{"retried failed", record(models.StatusRetriedFailed), 0, ""},
		{"not retryable", notRetryable, 0, apperr.CodeNotRetryable},
		{"resolved", record(models.StatusResolved), 0, apperr.CodeAlreadyResolved},
		{"exhausted", exhausted, 0, apperr.CodeRetryLimitExceeded},
		{"pending", record(models.StatusNew), 1, apperr.CodePendingRetryExists},
	}
	for _, tc := range cases {
		err := m.CanStartRetry(tc.rec, tc.pending)
		if tc.code == "" {
			if err != nil {
				t.Fatalf("%s: unexpected %v", tc.name, err)
			}
			continue
		}
		if apperr.CodeOf(err) != tc.code || apperr.Classify(err) != apperr.KindBusinessRule {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestCompleteRetry(t *testing.T) {
	m := Machine{}

	tr := m.CompleteRetry(record(models.StatusNew), true, "ops", "ok", now)
	if tr.Record.Status != models.StatusResolved || tr.Record.ResolutionMethod != models.ResolutionRetrySuccess || tr.Record.RetryCount != 1 {
		t.Fatalf("success not applied: %+v", tr.Record)
	}

	rec := record(models.StatusNew)
	rec.RetryCount = 1
	tr = m.CompleteRetry(rec, false, "ops", "boom", now)
	if tr.Record.Status != models.StatusRetriedFailed || tr.Record.RetryCount != 2 {
		t.Fatalf("expected RETRIED_FAILED with 2 retries, got %+v", tr.Record)
	}

	rec = record(models.StatusRetriedFailed)
	rec.RetryCount = 2
	tr = m.CompleteRetry(rec, false, "ops", "boom", now)
	if tr.Record.Status != models.StatusEscalated || tr.Record.RetryCount != rec.MaxRetries {
		t.Fatalf("expected ESCALATED at max retries, got %+v", tr.Record)
	}

	resolved := record(models.StatusResolved)
	resolved.RetryCount = 1
	tr = m.CompleteRetry(resolved, false, "ops", "late", now)
	if !tr.NoOp || tr.Change != nil || tr.Record.Status != models.StatusResolved || tr.Record.RetryCount != 1 {
		t.Fatalf("resolved record must be left untouched: %+v", tr)
	}
}
