package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/repository"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestEnqueueInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallQueueRepository(db)

	at := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO call_queue .*ON CONFLICT \(customer_id, kind\) WHERE status IN \('pending', 'processing', 'retrying'\)`).
		WithArgs(sqlmock.AnyArg(), int64(7), domain.CallKindDaily, at, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Enqueue(context.Background(), 7, domain.CallKindDaily, at, 3)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCollapsesOnActiveItem(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallQueueRepository(db)

	at := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO call_queue`).
		WithArgs(sqlmock.AnyArg(), int64(7), domain.CallKindDaily, at, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Enqueue(context.Background(), 7, domain.CallKindDaily, at, 3)
	require.NoError(t, err)
	assert.False(t, inserted, "conflicting enqueue must be a silent no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func queueColumns() []string {
	return []string{
		"id", "customer_id", "kind", "scheduled_for", "status", "attempts", "max_attempts",
		"error_message", "provider_call_id", "created_at", "updated_at", "processed_at",
	}
}

func TestProcessDueBatchLocksAndCommits(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallQueueRepository(db)

	id := uuid.New()
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-12 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .*FROM call_queue.*FOR UPDATE SKIP LOCKED`).
		WithArgs(windowStart, now, 10).
		WillReturnRows(sqlmock.NewRows(queueColumns()).
			AddRow(id, int64(7), "daily", now, "pending", 0, 3, nil, nil, now, now, nil))
	mock.ExpectExec(`UPDATE call_queue SET status = 'processing'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE call_queue SET status = 'completed'`).
		WithArgs("prov-1", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	processed, err := repo.ProcessDueBatch(context.Background(), windowStart, now, 10,
		func(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem) error {
			assert.Equal(t, id, item.ID)
			assert.Equal(t, domain.CallKindDaily, item.Kind)
			if err := tx.MarkProcessing(ctx, item.ID); err != nil {
				return err
			}
			return tx.Complete(ctx, item.ID, "prov-1")
		})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDueBatchRollsBackOnCallbackError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallQueueRepository(db)

	id := uuid.New()
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-12 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .*FROM call_queue.*FOR UPDATE SKIP LOCKED`).
		WithArgs(windowStart, now, 10).
		WillReturnRows(sqlmock.NewRows(queueColumns()).
			AddRow(id, int64(7), "daily", now, "pending", 0, 3, nil, nil, now, now, nil))
	mock.ExpectRollback()

	boom := errors.New("bookkeeping failed")
	_, err := repo.ProcessDueBatch(context.Background(), windowStart, now, 10,
		func(context.Context, repository.QueueTx, *domain.QueueItem) error {
			return boom
		})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryReschedulesItem(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallQueueRepository(db)

	id := uuid.New()
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-12 * time.Hour)
	nextAt := now.Add(15 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .*FROM call_queue.*FOR UPDATE SKIP LOCKED`).
		WithArgs(windowStart, now, 10).
		WillReturnRows(sqlmock.NewRows(queueColumns()).
			AddRow(id, int64(7), "daily", now, "retrying", 1, 3, "busy", nil, now, now, nil))
	mock.ExpectExec(`UPDATE call_queue SET status = 'retrying'`).
		WithArgs(2, nextAt, "still busy", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.ProcessDueBatch(context.Background(), windowStart, now, 10,
		func(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem) error {
			return tx.Retry(ctx, item.ID, item.Attempts+1, nextAt, "still busy")
		})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
