package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/repository"
)

// CallQueueRepository implements repository.CallQueueRepository using
// PostgreSQL. Enqueue idempotency rides on a partial unique index over
// (customer_id, kind) scoped to active statuses; drain safety rides on
// FOR UPDATE SKIP LOCKED.
type CallQueueRepository struct {
	db *sqlx.DB
}

// NewCallQueueRepository constructs the repository.
func NewCallQueueRepository(db *sqlx.DB) *CallQueueRepository {
	return &CallQueueRepository{db: db}
}

// Enqueue inserts a queue item. When an active item for (customerID, kind)
// already exists the insert is a silent no-op and Enqueue returns false.
// The conflict target is the partial unique index, so concurrent enqueues
// collapse to one row without erroring.
func (r *CallQueueRepository) Enqueue(ctx context.Context, customerID int64, kind domain.CallKind, scheduledFor time.Time, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO call_queue (
			id, customer_id, kind, scheduled_for, status, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'pending', 0, $5, NOW(), NOW())
		ON CONFLICT (customer_id, kind) WHERE status IN ('pending', 'processing', 'retrying')
		DO NOTHING`,
		uuid.New(), customerID, kind, scheduledFor.UTC(), maxAttempts)
	if err != nil {
		return false, fmt.Errorf("call queue: enqueue: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call queue: rows affected: %w", err)
	}
	return n == 1, nil
}

// ProcessDueBatch drains due items inside one transaction. The SELECT locks
// the chosen rows for the duration of the transaction and skips rows a
// concurrent drain already holds, which is what makes overlapping cron
// invocations safe. fn must absorb per-item failures by recording them via
// QueueTx; a returned error rolls back the whole batch.
func (r *CallQueueRepository) ProcessDueBatch(ctx context.Context, windowStart, windowEnd time.Time, limit int, fn func(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	processed := 0
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `SELECT
				id, customer_id, kind, scheduled_for, status, attempts, max_attempts,
				error_message, provider_call_id, created_at, updated_at, processed_at
			FROM call_queue
			WHERE status IN ('pending', 'retrying')
			  AND scheduled_for >= $1
			  AND scheduled_for <= $2
			  AND attempts < max_attempts
			ORDER BY scheduled_for ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			windowStart.UTC(), windowEnd.UTC(), limit)
		if err != nil {
			return fmt.Errorf("call queue: select due: %w", err)
		}

		var items []*domain.QueueItem
		for rows.Next() {
			var rec queueRecord
			if err := rows.StructScan(&rec); err != nil {
				rows.Close()
				return fmt.Errorf("call queue: scan: %w", err)
			}
			item := rec.toDomain()
			items = append(items, &item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("call queue: rows err: %w", err)
		}
		rows.Close()

		qtx := &queueTx{tx: tx}
		for _, item := range items {
			if err := fn(ctx, qtx, item); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// ListByCustomer returns recent queue items for a customer.
func (r *CallQueueRepository) ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT
			id, customer_id, kind, scheduled_for, status, attempts, max_attempts,
			error_message, provider_call_id, created_at, updated_at, processed_at
		FROM call_queue
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("call queue: list by customer: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		var rec queueRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call queue: scan: %w", err)
		}
		item := rec.toDomain()
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call queue: rows err: %w", err)
	}
	return items, nil
}

type queueTx struct {
	tx *sqlx.Tx
}

func (q *queueTx) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if _, err := q.tx.ExecContext(ctx,
		`UPDATE call_queue SET status = 'processing', updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("call queue: mark processing: %w", err)
	}
	return nil
}

func (q *queueTx) Complete(ctx context.Context, id uuid.UUID, providerCallID string) error {
	if _, err := q.tx.ExecContext(ctx,
		`UPDATE call_queue SET status = 'completed', provider_call_id = $1,
			processed_at = NOW(), updated_at = NOW()
		 WHERE id = $2`, nullIfEmpty(providerCallID), id); err != nil {
		return fmt.Errorf("call queue: complete: %w", err)
	}
	return nil
}

func (q *queueTx) Retry(ctx context.Context, id uuid.UUID, attempts int, nextAt time.Time, errMsg string) error {
	if _, err := q.tx.ExecContext(ctx,
		`UPDATE call_queue SET status = 'retrying', attempts = $1, scheduled_for = $2,
			error_message = $3, updated_at = NOW()
		 WHERE id = $4`, attempts, nextAt.UTC(), errMsg, id); err != nil {
		return fmt.Errorf("call queue: retry: %w", err)
	}
	return nil
}

func (q *queueTx) Fail(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	if _, err := q.tx.ExecContext(ctx,
		`UPDATE call_queue SET status = 'failed', attempts = $1, error_message = $2,
			processed_at = NOW(), updated_at = NOW()
		 WHERE id = $3`, attempts, errMsg, id); err != nil {
		return fmt.Errorf("call queue: fail: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type queueRecord struct {
	ID             uuid.UUID      `db:"id"`
	CustomerID     int64          `db:"customer_id"`
	Kind           string         `db:"kind"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ProviderCallID sql.NullString `db:"provider_call_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ProcessedAt    sql.NullTime   `db:"processed_at"`
}

func (r queueRecord) toDomain() domain.QueueItem {
	item := domain.QueueItem{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		Kind:           domain.CallKind(r.Kind),
		ScheduledFor:   r.ScheduledFor,
		Status:         domain.QueueItemStatus(r.Status),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		ErrorMessage:   r.ErrorMessage.String,
		ProviderCallID: r.ProviderCallID.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		item.ProcessedAt = &t
	}
	return item
}
