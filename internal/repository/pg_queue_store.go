package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facilityhub/notifyq/internal/domain"
)

var itemColumnList = []string{
	"id", "payload_ref", "channel", "priority", "status", "scheduled_for", "queued_at",
	"lease_owner", "lease_expires_at", "retry_count", "max_retries", "stall_count",
	"next_retry_at", "last_error_kind", "last_error_message", "batch_id",
	"completed_at", "updated_at", "version",
}

var (
	itemColumns          = strings.Join(itemColumnList, ", ")
	qualifiedItemColumns = "q." + strings.Join(itemColumnList, ", q.")
)

const batchColumns = `id, channel, total_count, enqueued_count, processed_count, success_count, failure_count,
	status, started_at, completed_at, estimated_completion_at, throughput_per_minute,
	created_at, updated_at`

// PgQueueStore is a QueueStore backed by PostgreSQL.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers skip rows another
// claimer has already locked instead of blocking on them.
type PgQueueStore struct {
	pool *pgxpool.Pool
}

// NewPgQueueStore returns a QueueStore backed by PostgreSQL.
func NewPgQueueStore(pool *pgxpool.Pool) *PgQueueStore {
	return &PgQueueStore{pool: pool}
}

// InsertItem stores a new item. A batch member reserves its batch slot in the
// same transaction, under the batch row lock.
func (s *PgQueueStore) InsertItem(ctx context.Context, it *domain.QueueItem) error {
	if it.BatchRef == nil {
		return insertItem(ctx, s.pool, it)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, *it.BatchRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock batch: %w", err)
	}
	if err := b.Admit(it.Channel, it.QueuedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batches SET enqueued_count = $2, updated_at = $3 WHERE id = $1`,
		b.ID, b.EnqueuedCount, b.UpdatedAt,
	); err != nil {
		return fmt.Errorf("reserve batch slot: %w", err)
	}
	if err := insertItem(ctx, tx, it); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit item: %w", err)
	}
	return nil
}

func (s *PgQueueStore) GetItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return it, nil
}

func (s *PgQueueStore) ListItems(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, int, error) {
	where, args := buildListWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM queue_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue items: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT %s FROM queue_items%s
		ORDER BY queued_at DESC
		LIMIT $%d OFFSET $%d`, itemColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PgQueueStore) ClaimBatch(ctx context.Context, p ClaimParams) ([]*domain.QueueItem, error) {
	if p.Limit <= 0 {
		return []*domain.QueueItem{}, nil
	}
	var channel *string
	if p.Channel != nil {
		c := string(*p.Channel)
		channel = &c
	}
	expires := p.Now.Add(p.LeaseDuration)

	rows, err := s.pool.Query(ctx, `
		WITH ready AS (
			SELECT id FROM queue_items
			WHERE status = 'queued'
			  AND ($1::text IS NULL OR channel = $1::text)
			  AND (scheduled_for IS NULL OR scheduled_for <= $2)
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY priority_rank DESC, queued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_items q
		SET status = 'processing', lease_owner = $4, lease_expires_at = $5,
		    updated_at = $2, version = q.version + 1
		FROM ready
		WHERE q.id = ready.id
		RETURNING `+qualifiedItemColumns,
		channel, p.Now, p.Limit, p.WorkerID, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("scan claimed items: %w", err)
	}
	// RETURNING order is unspecified; restore claim order.
	SortForClaim(items)
	return items, nil
}

func (s *PgQueueStore) CompareAndSetStatus(ctx context.Context, id string, expect Expectation, next *domain.QueueItem) (bool, error) {
	var errKind, errMsg *string
	if next.LastError != nil {
		k := string(next.LastError.Kind)
		errKind, errMsg = &k, &next.LastError.Message
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, lease_owner = $2, lease_expires_at = $3, retry_count = $4,
		    stall_count = $5, next_retry_at = $6, last_error_kind = $7,
		    last_error_message = $8, completed_at = $9, updated_at = $10,
		    version = version + 1
		WHERE id = $11
		  AND status = $12
		  AND lease_owner IS NOT DISTINCT FROM $13::text
		  AND ($14::bigint = 0 OR version = $14::bigint)
		  AND ($15::timestamptz IS NULL OR lease_expires_at < $15::timestamptz)`,
		next.Status, nullString(next.LeaseOwner), next.LeaseExpiresAt, next.RetryCount,
		next.StallCount, next.NextRetryAt, errKind, errMsg, next.CompletedAt, next.UpdatedAt,
		id, expect.Status, nullString(expect.LeaseOwner), expect.Version, expect.LeaseExpiredBefore,
	)
	if err != nil {
		return false, fmt.Errorf("compare-and-set queue item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check queue item: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *PgQueueStore) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = 'processing'
		  AND lease_expires_at < $1
		ORDER BY lease_expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *PgQueueStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *PgQueueStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		b.ID, b.Channel, b.TotalCount, b.EnqueuedCount, b.ProcessedCount, b.SuccessCount, b.FailureCount,
		b.Status, b.StartedAt, b.CompletedAt, b.EstimatedCompletionAt, b.ThroughputPerMinute,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PgQueueStore) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *PgQueueStore) MarkBatchStarted(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'processing', started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = $1 AND status = 'queued'`, id, now)
	if err != nil {
		return fmt.Errorf("mark batch started: %w", err)
	}
	return nil
}

// RecordBatchSettled locks the batch row, applies the outcome with the same
// recompute logic as every other store, and writes the result back in one
// transaction so concurrent completions never lose an increment.
func (s *PgQueueStore) RecordBatchSettled(ctx context.Context, id string, success bool, now time.Time) (*domain.Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock batch: %w", err)
	}

	if err := b.RecordSettled(success, now); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE batches
		SET processed_count = $2, success_count = $3, failure_count = $4, status = $5,
		    started_at = $6, completed_at = $7, estimated_completion_at = $8,
		    throughput_per_minute = $9, updated_at = $10
		WHERE id = $1`,
		b.ID, b.ProcessedCount, b.SuccessCount, b.FailureCount, b.Status,
		b.StartedAt, b.CompletedAt, b.EstimatedCompletionAt, b.ThroughputPerMinute, b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return b, nil
}

// ---- helpers ----

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertItem(ctx context.Context, db execer, it *domain.QueueItem) error {
	var errKind, errMsg *string
	if it.LastError != nil {
		k := string(it.LastError.Kind)
		errKind, errMsg = &k, &it.LastError.Message
	}
	_, err := db.Exec(ctx, `
		INSERT INTO queue_items
			(id, payload_ref, channel, priority, priority_rank, status, scheduled_for, queued_at,
			 lease_owner, lease_expires_at, retry_count, max_retries, stall_count,
			 next_retry_at, last_error_kind, last_error_message, batch_id,
			 completed_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		it.ID, it.PayloadRef, it.Channel, it.Priority, it.Priority.Rank(), it.Status,
		it.ScheduledFor, it.QueuedAt, nullString(it.LeaseOwner), it.LeaseExpiresAt,
		it.RetryCount, it.MaxRetries, it.StallCount, it.NextRetryAt, errKind, errMsg,
		it.BatchRef, it.CompletedAt, it.UpdatedAt, it.Version,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// scanItem reads a single queue item row from any pgx row type.
func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var it domain.QueueItem
	var leaseOwner, errKind, errMsg pgtype.Text
	err := row.Scan(
		&it.ID, &it.PayloadRef, &it.Channel, &it.Priority, &it.Status,
		&it.ScheduledFor, &it.QueuedAt, &leaseOwner, &it.LeaseExpiresAt,
		&it.RetryCount, &it.MaxRetries, &it.StallCount, &it.NextRetryAt,
		&errKind, &errMsg, &it.BatchRef, &it.CompletedAt, &it.UpdatedAt, &it.Version,
	)
	if err != nil {
		return nil, err
	}
	if leaseOwner.Valid {
		it.LeaseOwner = leaseOwner.String
	}
	if errKind.Valid {
		it.LastError = &domain.ItemError{Kind: domain.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &it, nil
}

func scanItems(rows pgx.Rows) ([]*domain.QueueItem, error) {
	result := make([]*domain.QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.Channel, &b.TotalCount, &b.EnqueuedCount, &b.ProcessedCount, &b.SuccessCount, &b.FailureCount,
		&b.Status, &b.StartedAt, &b.CompletedAt, &b.EstimatedCompletionAt, &b.ThroughputPerMinute,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("channel = $%d", *f.Channel)
	}
	if f.BatchRef != nil {
		add("batch_id = $%d", *f.BatchRef)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// compile-time check that PgQueueStore implements QueueStore
var _ QueueStore = (*PgQueueStore)(nil)
