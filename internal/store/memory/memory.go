// Package memory is an in-process Repository. Row locks are per-transaction-id
// mutexes and every WithLock call stages its writes until fn succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"exception-collector/internal/models"
	"exception-collector/internal/store"
)

type Storage struct {
	mu         sync.RWMutex
	exceptions map[string]models.ExceptionRecord
	attempts   map[string][]models.RetryAttempt
	changes    map[string][]models.StatusChange

	locksMu sync.Mutex
	locks   map[string]*keyLock

	// Calls counts batch reads per method, for asserting loader fan-in.
	callsMu sync.Mutex
	calls   map[string]int
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ store.Repository = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		exceptions: make(map[string]models.ExceptionRecord),
		attempts:   make(map[string][]models.RetryAttempt),
		changes:    make(map[string][]models.StatusChange),
		locks:      make(map[string]*keyLock),
		calls:      make(map[string]int),
	}
}

func (s *Storage) Close() {}

// Calls returns how many times a batch read method ran.
func (s *Storage) Calls(method string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.calls[method]
}

func (s *Storage) count(method string) {
	s.callsMu.Lock()
	s.calls[method]++
	s.callsMu.Unlock()
}

func (s *Storage) CreateException(ctx context.Context, p store.CreateExceptionParams) (models.ExceptionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.exceptions[p.TransactionID]; ok {
		return existing.Clone(), true, nil
	}
	now := time.Now().UTC()
	rec := models.ExceptionRecord{
		ID:            uuid.NewString(),
		TransactionID: p.TransactionID,
		InterfaceType: p.InterfaceType,
		ExternalID:    p.ExternalID,
		CustomerID:    p.CustomerID,
		LocationCode:  p.LocationCode,
		Operation:     p.Operation,
		Reason:        p.Reason,
		Category:      p.Category,
		Severity:      p.Severity,
		Retryable:     p.Retryable,
		Status:        models.StatusNew,
		MaxRetries:    p.MaxRetries,
		OccurredAt:    p.OccurredAt,
		ProcessedAt:   now,
		UpdatedAt:     now,
	}
	s.exceptions[p.TransactionID] = rec
	s.changes[p.TransactionID] = append(s.changes[p.TransactionID], models.StatusChange{
		ID:            uuid.NewString(),
		TransactionID: p.TransactionID,
		ToStatus:      models.StatusNew,
		ChangedBy:     p.CapturedBy,
		ChangedAt:     now,
		Reason:        "exception captured",
	})
	return rec.Clone(), false, nil
}

func (s *Storage) GetException(ctx context.Context, transactionID string) (models.ExceptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.exceptions[transactionID]
	if !ok {
		return models.ExceptionRecord{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Storage) ListExceptions(ctx context.Context, p store.ListParams) (store.Page, error) {
	s.mu.RLock()
	var matched []models.ExceptionRecord
	for _, rec := range s.exceptions {
		if matches(rec, p) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch p.Sort {
		case store.SortSeverity:
			ra, rb := models.SeverityRank(a.Severity), models.SeverityRank(b.Severity)
			less, equal = ra < rb, ra == rb
		case store.SortRetryCount:
			less, equal = a.RetryCount < b.RetryCount, a.RetryCount == b.RetryCount
		default:
			less, equal = a.OccurredAt.Before(b.OccurredAt), a.OccurredAt.Equal(b.OccurredAt)
		}
		if equal {
			return a.TransactionID < b.TransactionID
		}
		if p.Descending {
			return !less
		}
		return less
	})

	page := store.Page{Total: len(matched)}
	if p.Offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	page.Items = matched[p.Offset:end]
	return page, nil
}

func matches(rec models.ExceptionRecord, p store.ListParams) bool {
	if len(p.InterfaceTypes) > 0 && !contains(p.InterfaceTypes, rec.InterfaceType) {
		return false
	}
	if len(p.Statuses) > 0 && !contains(p.Statuses, rec.Status) {
		return false
	}
	if len(p.Severities) > 0 && !contains(p.Severities, rec.Severity) {
		return false
	}
	if len(p.Categories) > 0 && !contains(p.Categories, rec.Category) {
		return false
	}
	if p.CustomerID != "" && rec.CustomerID != p.CustomerID {
		return false
	}
	if p.Retryable != nil && rec.Retryable != *p.Retryable {
		return false
	}
	if p.OccurredFrom != nil && rec.OccurredAt.Before(*p.OccurredFrom) {
		return false
	}
	if p.OccurredTo != nil && rec.OccurredAt.After(*p.OccurredTo) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *Storage) ExceptionsByTransactionIDs(ctx context.Context, ids []string) ([]models.ExceptionRecord, error) {
	s.count("ExceptionsByTransactionIDs")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExceptionRecord
	for _, id := range ids {
		if rec, ok := s.exceptions[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Storage) RetryAttemptsByTransactionIDs(ctx context.Context, ids []string) ([]models.RetryAttempt, error) {
	s.count("RetryAttemptsByTransactionIDs")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RetryAttempt
	for _, id := range ids {
		out = append(out, s.attempts[id]...)
	}
	return out, nil
}

func (s *Storage) StatusChangesByTransactionIDs(ctx context.Context, ids []string) ([]models.StatusChange, error) {
	s.count("StatusChangesByTransactionIDs")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StatusChange
	for _, id := range ids {
		out = append(out, s.changes[id]...)
	}
	return out, nil
}

func (s *Storage) WithLock(ctx context.Context, transactionID string, mode store.LockMode, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.RLock()
	_, ok := s.exceptions[transactionID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	release, err := s.acquire(ctx, transactionID, mode)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	tx := &memTx{
		rec:      s.exceptions[transactionID].Clone(),
		attempts: append([]models.RetryAttempt(nil), s.attempts[transactionID]...),
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	if tx.dirty {
		s.exceptions[transactionID] = tx.rec
	}
	s.attempts[transactionID] = tx.attempts
	s.changes[transactionID] = append(s.changes[transactionID], tx.changes...)
	s.mu.Unlock()
	return nil
}

func (s *Storage) acquire(ctx context.Context, key string, mode store.LockMode) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	drop := func() {
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}

	if mode == store.NoWait {
		select {
		case l.ch <- struct{}{}:
		default:
			drop()
			return nil, store.ErrLocked
		}
	} else {
		select {
		case l.ch <- struct{}{}:
		case <-ctx.Done():
			drop()
			return nil, ctx.Err()
		}
	}
	return func() {
		<-l.ch
		drop()
	}, nil
}

type memTx struct {
	rec      models.ExceptionRecord
	attempts []models.RetryAttempt
	changes  []models.StatusChange
	dirty    bool
}

func (t *memTx) Exception() models.ExceptionRecord { return t.rec.Clone() }

func (t *memTx) SaveException(ctx context.Context, rec models.ExceptionRecord) (models.ExceptionRecord, error) {
	if rec.Version != t.rec.Version {
		return models.ExceptionRecord{}, store.ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	t.rec = rec.Clone()
	t.dirty = true
	return rec, nil
}

func (t *memTx) Attempts(ctx context.Context) ([]models.RetryAttempt, error) {
	return append([]models.RetryAttempt(nil), t.attempts...), nil
}

func (t *memTx) InsertAttempt(ctx context.Context, a models.RetryAttempt) (models.RetryAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.TransactionID = t.rec.TransactionID
	t.attempts = append(t.attempts, a)
	return a, nil
}

func (t *memTx) UpdateAttempt(ctx context.Context, a models.RetryAttempt) error {
	for i := range t.attempts {
		if t.attempts[i].AttemptNumber == a.AttemptNumber {
			a.TransactionID = t.rec.TransactionID
			t.attempts[i] = a
			return nil
		}
	}
	return store.ErrAttemptNotFound
}

func (t *memTx) AppendStatusChange(ctx context.Context, c models.StatusChange) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TransactionID = t.rec.TransactionID
	t.changes = append(t.changes, c)
	return nil
}
