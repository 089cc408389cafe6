package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/repository"
)

const customerColumns = `id, name, phone, timezone, payment_state, phone_validated, call_state,
	preferred_hour, preferred_minute, call_time_description,
	welcome_call_done, last_call_date, next_call_at, consecutive_failures,
	total_calls_made, last_call_id, last_call_transcript, last_call_seconds,
	last_call_mood, last_call_summary, created_at, updated_at`

// CustomerRepository implements repository.CustomerRepository using PostgreSQL.
type CustomerRepository struct {
	db *sqlx.DB
}

// NewCustomerRepository constructs the repository.
func NewCustomerRepository(db *sqlx.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// Get fetches a customer by id.
func (r *CustomerRepository) Get(ctx context.Context, id int64) (*domain.Customer, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)

	var rec customerRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("customer repo: get: %w", err)
	}

	customer := rec.toDomain()
	return &customer, nil
}

// SetNextCallAt writes the computed next dispatch instant.
func (r *CustomerRepository) SetNextCallAt(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET next_call_at = $1, updated_at = NOW() WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("customer repo: set next call at: %w", err)
	}
	return requireRow(res, "set next call at")
}

// SetPreferredTime persists a preferred (hour, minute) pair.
func (r *CustomerRepository) SetPreferredTime(ctx context.Context, id int64, hour, minute int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET preferred_hour = $1, preferred_minute = $2, updated_at = NOW() WHERE id = $3`,
		hour, minute, id)
	if err != nil {
		return fmt.Errorf("customer repo: set preferred time: %w", err)
	}
	return requireRow(res, "set preferred time")
}

const callableWhere = `payment_state IN ('paid', 'partner')
	AND phone_validated = TRUE
	AND call_state NOT IN ('disabled', 'paused')`

// ListDueWelcome returns callable customers awaiting their welcome call,
// excluding records newer than the signup grace period.
func (r *CustomerRepository) ListDueWelcome(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Customer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+customerColumns+`
		FROM customers
		WHERE `+callableWhere+`
		  AND welcome_call_done = FALSE
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("customer repo: list due welcome: %w", err)
	}
	return scanCustomers(rows, "list due welcome")
}

// ListDueDaily returns callable customers due inside the window that have
// not already been called today. The lower bound reclaims calls missed
// earlier today without resurrecting prior days. "Today" is windowStart's
// date; the upper bound may cross UTC midnight and must not widen the
// already-called filter.
func (r *CustomerRepository) ListDueDaily(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]*domain.Customer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+customerColumns+`
		FROM customers
		WHERE `+callableWhere+`
		  AND welcome_call_done = TRUE
		  AND next_call_at IS NOT NULL
		  AND next_call_at >= $1
		  AND next_call_at <= $2
		  AND (last_call_date IS NULL OR last_call_date < $3)
		ORDER BY next_call_at ASC
		LIMIT $4`,
		windowStart.UTC(), windowEnd.UTC(), dateOf(windowStart), limit)
	if err != nil {
		return nil, fmt.Errorf("customer repo: list due daily: %w", err)
	}
	return scanCustomers(rows, "list due daily")
}

// ListUnscheduledDaily returns customers whose schedule was never written
// but who carry enough preference data to compute one on the fly.
func (r *CustomerRepository) ListUnscheduledDaily(ctx context.Context, limit int) ([]*domain.Customer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+customerColumns+`
		FROM customers
		WHERE `+callableWhere+`
		  AND welcome_call_done = TRUE
		  AND next_call_at IS NULL
		  AND preferred_hour IS NOT NULL
		  AND timezone <> ''
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("customer repo: list unscheduled daily: %w", err)
	}
	return scanCustomers(rows, "list unscheduled daily")
}

// ReserveDailyCall stamps last_call_date = day only if no call happened
// today yet. The guard makes the stamp a compare-and-set, which is what
// keeps two concurrent drains from double-dialing.
func (r *CustomerRepository) ReserveDailyCall(ctx context.Context, id int64, day time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET last_call_date = $1, updated_at = NOW()
		 WHERE id = $2 AND (last_call_date IS NULL OR last_call_date < $1)`,
		dateOf(day), id)
	if err != nil {
		return false, fmt.Errorf("customer repo: reserve daily call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("customer repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseDailyCall reverts a reservation taken for day so a later retry can
// re-reserve. A stamp from a different day is left alone.
func (r *CustomerRepository) ReleaseDailyCall(ctx context.Context, id int64, day time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE customers SET last_call_date = NULL, updated_at = NOW()
		 WHERE id = $1 AND last_call_date = $2`, id, dateOf(day)); err != nil {
		return fmt.Errorf("customer repo: release daily call: %w", err)
	}
	return nil
}

// ClearLastCallDate nulls the already-called-today marker unconditionally.
func (r *CustomerRepository) ClearLastCallDate(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE customers SET last_call_date = NULL, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("customer repo: clear last call date: %w", err)
	}
	return nil
}

// MarkWelcomeDone flips the one-way welcome flag.
func (r *CustomerRepository) MarkWelcomeDone(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET welcome_call_done = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("customer repo: mark welcome done: %w", err)
	}
	return requireRow(res, "mark welcome done")
}

// SetCallState updates the calling lifecycle state.
func (r *CustomerRepository) SetCallState(ctx context.Context, id int64, state domain.CallState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET call_state = $1, updated_at = NOW() WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("customer repo: set call state: %w", err)
	}
	return requireRow(res, "set call state")
}

// IncrementConsecutiveFailures bumps and returns the failure counter.
func (r *CustomerRepository) IncrementConsecutiveFailures(ctx context.Context, id int64) (int, error) {
	row := r.db.QueryRowxContext(ctx,
		`UPDATE customers SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING consecutive_failures`, id)

	var count int
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("customer repo: increment failures: %w", err)
	}
	return count, nil
}

// ResetConsecutiveFailures zeroes the failure counter.
func (r *CustomerRepository) ResetConsecutiveFailures(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE customers SET consecutive_failures = 0, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("customer repo: reset failures: %w", err)
	}
	return nil
}

// RecordCallResult applies the finalized call outcome to the denormalized
// last-call fields and counts the call.
func (r *CustomerRepository) RecordCallResult(ctx context.Context, id int64, providerCallID, transcript string, durationSeconds int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE customers SET
			last_call_id = $1,
			last_call_transcript = $2,
			last_call_seconds = $3,
			total_calls_made = total_calls_made + 1,
			updated_at = NOW()
		 WHERE id = $4`,
		providerCallID, transcript, durationSeconds, id)
	if err != nil {
		return fmt.Errorf("customer repo: record call result: %w", err)
	}
	return requireRow(res, "record call result")
}

// RefreshTranscript upgrades the stored transcript for the same call
// without re-counting it.
func (r *CustomerRepository) RefreshTranscript(ctx context.Context, id int64, providerCallID, transcript string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE customers SET last_call_transcript = $1, updated_at = NOW()
		 WHERE id = $2 AND last_call_id = $3`, transcript, id, providerCallID); err != nil {
		return fmt.Errorf("customer repo: refresh transcript: %w", err)
	}
	return nil
}

// SetCallContext stores best-effort enrichment output.
func (r *CustomerRepository) SetCallContext(ctx context.Context, id int64, mood, summary string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE customers SET last_call_mood = $1, last_call_summary = $2, updated_at = NOW()
		 WHERE id = $3`, mood, summary, id); err != nil {
		return fmt.Errorf("customer repo: set call context: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("customer repo: %s: rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanCustomers(rows *sqlx.Rows, op string) ([]*domain.Customer, error) {
	defer rows.Close()

	var results []*domain.Customer
	for rows.Next() {
		var rec customerRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("customer repo: %s: scan: %w", op, err)
		}
		customer := rec.toDomain()
		results = append(results, &customer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("customer repo: %s: rows err: %w", op, err)
	}
	return results, nil
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type customerRecord struct {
	ID                  int64          `db:"id"`
	Name                string         `db:"name"`
	Phone               string         `db:"phone"`
	Timezone            string         `db:"timezone"`
	PaymentState        string         `db:"payment_state"`
	PhoneValidated      bool           `db:"phone_validated"`
	CallState           string         `db:"call_state"`
	PreferredHour       sql.NullInt64  `db:"preferred_hour"`
	PreferredMinute     sql.NullInt64  `db:"preferred_minute"`
	CallTimeDescription sql.NullString `db:"call_time_description"`
	WelcomeCallDone     bool           `db:"welcome_call_done"`
	LastCallDate        sql.NullTime   `db:"last_call_date"`
	NextCallAt          sql.NullTime   `db:"next_call_at"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	TotalCallsMade      int            `db:"total_calls_made"`
	LastCallID          sql.NullString `db:"last_call_id"`
	LastCallTranscript  sql.NullString `db:"last_call_transcript"`
	LastCallSeconds     sql.NullInt64  `db:"last_call_seconds"`
	LastCallMood        sql.NullString `db:"last_call_mood"`
	LastCallSummary     sql.NullString `db:"last_call_summary"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r customerRecord) toDomain() domain.Customer {
	customer := domain.Customer{
		ID:                  r.ID,
		Name:                r.Name,
		Phone:               r.Phone,
		Timezone:            r.Timezone,
		PaymentState:        domain.PaymentState(r.PaymentState),
		PhoneValidated:      r.PhoneValidated,
		CallState:           domain.CallState(r.CallState),
		CallTimeDescription: r.CallTimeDescription.String,
		WelcomeCallDone:     r.WelcomeCallDone,
		ConsecutiveFailures: r.ConsecutiveFailures,
		TotalCallsMade:      r.TotalCallsMade,
		LastCallID:          r.LastCallID.String,
		LastCallTranscript:  r.LastCallTranscript.String,
		LastCallSeconds:     int(r.LastCallSeconds.Int64),
		LastCallMood:        r.LastCallMood.String,
		LastCallSummary:     r.LastCallSummary.String,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.PreferredHour.Valid {
		h := int(r.PreferredHour.Int64)
		customer.PreferredHour = &h
	}
	if r.PreferredMinute.Valid {
		m := int(r.PreferredMinute.Int64)
		customer.PreferredMinute = &m
	}
	if r.LastCallDate.Valid {
		t := r.LastCallDate.Time
		customer.LastCallDate = &t
	}
	if r.NextCallAt.Valid {
		t := r.NextCallAt.Time
		customer.NextCallAt = &t
	}
	return customer
}
