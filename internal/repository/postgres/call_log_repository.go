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

// CallLogRepository implements repository.CallLogRepository using PostgreSQL.
type CallLogRepository struct {
	db *sqlx.DB
}

// NewCallLogRepository constructs the repository.
func NewCallLogRepository(db *sqlx.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// Create inserts a new call log entry.
func (r *CallLogRepository) Create(ctx context.Context, entry *domain.CallLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO call_log (
			id, customer_id, kind, provider_call_id, status, duration_seconds,
			transcript, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		entry.ID, entry.CustomerID, entry.Kind, entry.ProviderCallID, entry.Status,
		entry.DurationSeconds, entry.Transcript, nullIfEmpty(entry.ErrorMessage)); err != nil {
		return fmt.Errorf("call log: insert: %w", err)
	}
	return nil
}

// GetByProviderCallID returns the entry for a provider call id.
func (r *CallLogRepository) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.CallLogEntry, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT
			id, customer_id, kind, provider_call_id, status, duration_seconds,
			transcript, error_message, created_at, updated_at
		FROM call_log WHERE provider_call_id = $1`, providerCallID)

	var rec callLogRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call log: get by provider call id: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// Finalize applies the end-of-call outcome to the entry for providerCallID.
// The status guard makes it a compare-and-set: a row already finalized by a
// concurrent delivery of the same report is left alone and false comes back,
// so counters and scheduling only ever run on the claiming delivery.
func (r *CallLogRepository) Finalize(ctx context.Context, providerCallID string, status domain.CallLogStatus, transcript string, durationSeconds int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET status = $1, transcript = $2, duration_seconds = $3, updated_at = NOW()
		 WHERE provider_call_id = $4 AND status = $5`,
		status, transcript, durationSeconds, providerCallID, domain.CallLogInitiated)
	if err != nil {
		return false, fmt.Errorf("call log: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call log: rows affected: %w", err)
	}
	return n > 0, nil
}

// UpgradeTranscript swaps in a longer transcript for an already-finalized
// entry. The length guard lives in the statement so two racing upgrades
// cannot overwrite a fuller transcript with a shorter one.
func (r *CallLogRepository) UpgradeTranscript(ctx context.Context, providerCallID, transcript string, durationSeconds int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET transcript = $1, duration_seconds = $2, updated_at = NOW()
		 WHERE provider_call_id = $3
		   AND status <> $4
		   AND char_length(coalesce(transcript, '')) < char_length($1)`,
		transcript, durationSeconds, providerCallID, domain.CallLogInitiated)
	if err != nil {
		return false, fmt.Errorf("call log: upgrade transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call log: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByCustomer returns recent entries for a customer, newest first.
func (r *CallLogRepository) ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*domain.CallLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT
			id, customer_id, kind, provider_call_id, status, duration_seconds,
			transcript, error_message, created_at, updated_at
		FROM call_log
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("call log: list by customer: %w", err)
	}
	defer rows.Close()

	var results []*domain.CallLogEntry
	for rows.Next() {
		var rec callLogRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call log: scan: %w", err)
		}
		entry := rec.toDomain()
		results = append(results, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call log: rows err: %w", err)
	}
	return results, nil
}

type callLogRecord struct {
	ID              uuid.UUID      `db:"id"`
	CustomerID      int64          `db:"customer_id"`
	Kind            string         `db:"kind"`
	ProviderCallID  string         `db:"provider_call_id"`
	Status          string         `db:"status"`
	DurationSeconds int            `db:"duration_seconds"`
	Transcript      sql.NullString `db:"transcript"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r callLogRecord) toDomain() domain.CallLogEntry {
	return domain.CallLogEntry{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		Kind:            domain.CallKind(r.Kind),
		ProviderCallID:  r.ProviderCallID,
		Status:          domain.CallLogStatus(r.Status),
		DurationSeconds: r.DurationSeconds,
		Transcript:      r.Transcript.String,
		ErrorMessage:    r.ErrorMessage.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
