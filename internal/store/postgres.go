package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"exception-collector/internal/models"
)

// lock_not_available, raised by FOR UPDATE NOWAIT.
const pgLockNotAvailable = "55P03"

const exceptionColumns = `
	id, transaction_id, interface_type, external_id, customer_id, location_code, operation,
	exception_reason, category, severity, retryable, status, retry_count, max_retries,
	occurred_at, processed_at, acknowledged_at, acknowledged_by, acknowledgment_notes,
	last_retry_at, resolved_at, resolved_by, resolution_method, resolution_notes,
	version, updated_at`

const attemptColumns = `
	id, transaction_id, attempt_number, status, initiated_by, initiated_at, completed_at, reason, result`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateException inserts an exception row keyed by transaction id. A duplicate
// arrival returns the existing row and true.
func (s *Store) CreateException(ctx context.Context, p CreateExceptionParams) (models.ExceptionRecord, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ExceptionRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		INSERT INTO exceptions (id, transaction_id, interface_type, external_id, customer_id, location_code,
			operation, exception_reason, category, severity, retryable, status, retry_count, max_retries,
			occurred_at, processed_at, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14, $15, 0, $15)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING `+exceptionColumns,
		uuid.New(), p.TransactionID, p.InterfaceType, p.ExternalID, p.CustomerID, p.LocationCode,
		p.Operation, p.Reason, p.Category, p.Severity, p.Retryable, models.StatusNew, p.MaxRetries,
		p.OccurredAt, now)

	rec, err := scanException(row)
	if errors.Is(err, ErrNotFound) {
		// Someone else inserted this transaction first; return their row.
		if err := tx.Rollback(ctx); err != nil {
			return models.ExceptionRecord{}, false, fmt.Errorf("rollback after duplicate: %w", err)
		}
		existing, err := s.GetException(ctx, p.TransactionID)
		if err != nil {
			return models.ExceptionRecord{}, false, err
		}
		return existing, true, nil
	}
	if err != nil {
		return models.ExceptionRecord{}, false, fmt.Errorf("insert exception: %w", err)
	}

	if err := insertStatusChange(ctx, tx, models.StatusChange{
		TransactionID: rec.TransactionID,
		ToStatus:      models.StatusNew,
		ChangedBy:     p.CapturedBy,
		ChangedAt:     now,
		Reason:        "exception captured",
	}); err != nil {
		return models.ExceptionRecord{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ExceptionRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	return rec, false, nil
}

// GetException fetches an exception by transaction id.
func (s *Store) GetException(ctx context.Context, transactionID string) (models.ExceptionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE transaction_id = $1`, transactionID)
	rec, err := scanException(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.ExceptionRecord{}, fmt.Errorf("get exception: %w", err)
	}
	return rec, err
}

// ListExceptions returns one filtered, sorted page and the total match count.
func (s *Store) ListExceptions(ctx context.Context, p ListParams) (Page, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(p.InterfaceTypes) > 0 {
		add("interface_type = ANY($%d)", toStrings(p.InterfaceTypes))
	}
	if len(p.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(p.Statuses))
	}
	if len(p.Severities) > 0 {
		add("severity = ANY($%d)", toStrings(p.Severities))
	}
	if len(p.Categories) > 0 {
		add("category = ANY($%d)", toStrings(p.Categories))
	}
	if p.CustomerID != "" {
		add("customer_id = $%d", p.CustomerID)
	}
	if p.Retryable != nil {
		add("retryable = $%d", *p.Retryable)
	}
	if p.OccurredFrom != nil {
		add("occurred_at >= $%d", *p.OccurredFrom)
	}
	if p.OccurredTo != nil {
		add("occurred_at <= $%d", *p.OccurredTo)
	}

	query := `SELECT ` + exceptionColumns + `, COUNT(*) OVER() FROM exceptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderBy(p.Sort, p.Descending)
	args = append(args, p.Limit, p.Offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var total int
		rec, err := scanExceptionWith(rows, &total)
		if err != nil {
			return Page{}, fmt.Errorf("scan exception: %w", err)
		}
		page.Items = append(page.Items, rec)
		page.Total = total
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate exceptions: %w", err)
	}
	if len(page.Items) == 0 && p.Offset > 0 {
		// The window function reports nothing past the last row; count directly.
		countQuery := `SELECT COUNT(*) FROM exceptions`
		if len(where) > 0 {
			countQuery += " WHERE " + strings.Join(where, " AND ")
		}
		if err := s.pool.QueryRow(ctx, countQuery, args[:len(args)-2]...).Scan(&page.Total); err != nil {
			return Page{}, fmt.Errorf("count exceptions: %w", err)
		}
	}
	return page, nil
}

func orderBy(field SortField, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	switch field {
	case SortSeverity:
		return fmt.Sprintf(`CASE severity WHEN 'LOW' THEN 1 WHEN 'MEDIUM' THEN 2 WHEN 'HIGH' THEN 3 WHEN 'CRITICAL' THEN 4 ELSE 0 END %s, transaction_id`, dir)
	case SortRetryCount:
		return fmt.Sprintf("retry_count %s, transaction_id", dir)
	default:
		return fmt.Sprintf("occurred_at %s, transaction_id", dir)
	}
}

// ExceptionsByTransactionIDs loads every matching exception in one query.
func (s *Store) ExceptionsByTransactionIDs(ctx context.Context, ids []string) ([]models.ExceptionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE transaction_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch exceptions: %w", err)
	}
	defer rows.Close()

	var out []models.ExceptionRecord
	for rows.Next() {
		rec, err := scanExceptionWith(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RetryAttemptsByTransactionIDs loads the retry ledger for a key set in one query.
func (s *Store) RetryAttemptsByTransactionIDs(ctx context.Context, ids []string) ([]models.RetryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM retry_attempts
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, attempt_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch retry attempts: %w", err)
	}
	return collectAttempts(rows)
}

// StatusChangesByTransactionIDs loads status history for a key set in one query.
func (s *Store) StatusChangesByTransactionIDs(ctx context.Context, ids []string) ([]models.StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, from_status, to_status, changed_by, changed_at, reason
		FROM status_changes
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, changed_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch status changes: %w", err)
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var c models.StatusChange
		if err := rows.Scan(&c.ID, &c.TransactionID, &c.FromStatus, &c.ToStatus, &c.ChangedBy, &c.ChangedAt, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WithLock takes SELECT ... FOR UPDATE on the exception row for the duration of fn.
func (s *Store) WithLock(ctx context.Context, transactionID string, mode LockMode, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	lock := " FOR UPDATE"
	if mode == NoWait {
		lock += " NOWAIT"
	}
	row := tx.QueryRow(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE transaction_id = $1`+lock, transactionID)
	rec, err := scanException(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return ErrLocked
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("lock exception: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, rec: rec}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	rec models.ExceptionRecord
}

func (t *pgTx) Exception() models.ExceptionRecord { return t.rec.Clone() }

func (t *pgTx) SaveException(ctx context.Context, rec models.ExceptionRecord) (models.ExceptionRecord, error) {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE exceptions
		SET status = $3, retry_count = $4, acknowledged_at = $5, acknowledged_by = $6, acknowledgment_notes = $7,
			last_retry_at = $8, resolved_at = $9, resolved_by = $10, resolution_method = $11, resolution_notes = $12,
			version = version + 1, updated_at = $13
		WHERE transaction_id = $1 AND version = $2
	`, rec.TransactionID, rec.Version, rec.Status, rec.RetryCount, rec.AcknowledgedAt, nilIfEmpty(rec.AcknowledgedBy),
		nilIfEmpty(rec.AcknowledgeNotes), rec.LastRetryAt, rec.ResolvedAt, nilIfEmpty(rec.ResolvedBy),
		nilIfEmpty(string(rec.ResolutionMethod)), nilIfEmpty(rec.ResolutionNotes), now)
	if err != nil {
		return models.ExceptionRecord{}, fmt.Errorf("update exception: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ExceptionRecord{}, ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	t.rec = rec.Clone()
	return rec, nil
}

func (t *pgTx) Attempts(ctx context.Context) ([]models.RetryAttempt, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+attemptColumns+` FROM retry_attempts
		WHERE transaction_id = $1 ORDER BY attempt_number`, t.rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("query retry attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (t *pgTx) InsertAttempt(ctx context.Context, a models.RetryAttempt) (models.RetryAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.TransactionID = t.rec.TransactionID
	result, err := marshalResult(a.Result)
	if err != nil {
		return models.RetryAttempt{}, err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO retry_attempts (id, transaction_id, attempt_number, status, initiated_by, initiated_at, completed_at, reason, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.TransactionID, a.AttemptNumber, a.Status, a.InitiatedBy, a.InitiatedAt, a.CompletedAt, a.Reason, result)
	if err != nil {
		return models.RetryAttempt{}, fmt.Errorf("insert retry attempt: %w", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAttempt(ctx context.Context, a models.RetryAttempt) error {
	result, err := marshalResult(a.Result)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE retry_attempts SET status = $3, completed_at = $4, result = $5
		WHERE transaction_id = $1 AND attempt_number = $2
	`, t.rec.TransactionID, a.AttemptNumber, a.Status, a.CompletedAt, result)
	if err != nil {
		return fmt.Errorf("update retry attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (t *pgTx) AppendStatusChange(ctx context.Context, c models.StatusChange) error {
	c.TransactionID = t.rec.TransactionID
	return insertStatusChange(ctx, t.tx, c)
}

func insertStatusChange(ctx context.Context, tx pgx.Tx, c models.StatusChange) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO status_changes (id, transaction_id, from_status, to_status, changed_by, changed_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.TransactionID, c.FromStatus, c.ToStatus, c.ChangedBy, c.ChangedAt, c.Reason)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

func scanException(row pgx.Row) (models.ExceptionRecord, error) {
	rec, err := scanExceptionWith(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExceptionRecord{}, ErrNotFound
	}
	return rec, err
}

func scanExceptionWith(row pgx.Row, extra ...any) (models.ExceptionRecord, error) {
	var (
		rec                                     models.ExceptionRecord
		ackBy, ackNotes, resBy, method, resNote pgtype.Text
	)
	dest := []any{
		&rec.ID, &rec.TransactionID, &rec.InterfaceType, &rec.ExternalID, &rec.CustomerID, &rec.LocationCode,
		&rec.Operation, &rec.Reason, &rec.Category, &rec.Severity, &rec.Retryable, &rec.Status,
		&rec.RetryCount, &rec.MaxRetries, &rec.OccurredAt, &rec.ProcessedAt, &rec.AcknowledgedAt, &ackBy,
		&ackNotes, &rec.LastRetryAt, &rec.ResolvedAt, &resBy, &method, &resNote, &rec.Version, &rec.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.ExceptionRecord{}, err
	}
	rec.AcknowledgedBy = ackBy.String
	rec.AcknowledgeNotes = ackNotes.String
	rec.ResolvedBy = resBy.String
	rec.ResolutionMethod = models.ResolutionMethod(method.String)
	rec.ResolutionNotes = resNote.String
	return rec, nil
}

func collectAttempts(rows pgx.Rows) ([]models.RetryAttempt, error) {
	defer rows.Close()
	var out []models.RetryAttempt
	for rows.Next() {
		var (
			a      models.RetryAttempt
			result []byte
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.AttemptNumber, &a.Status, &a.InitiatedBy,
			&a.InitiatedAt, &a.CompletedAt, &a.Reason, &result); err != nil {
			return nil, fmt.Errorf("scan retry attempt: %w", err)
		}
		if len(result) > 0 {
			a.Result = &models.RetryResult{}
			if err := json.Unmarshal(result, a.Result); err != nil {
				return nil, fmt.Errorf("unmarshal retry result: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalResult(r *models.RetryResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal retry result: %w", err)
	}
	return b, nil
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
