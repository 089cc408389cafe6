package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/daily-callline/internal/domain"
	apperrors "github.com/acme/daily-callline/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CustomerRepository is the persistence boundary for customer scheduling state.
type CustomerRepository interface {
	Get(ctx context.Context, id int64) (*domain.Customer, error)

	// SetNextCallAt writes the computed next dispatch instant.
	SetNextCallAt(ctx context.Context, id int64, at time.Time) error
	// SetPreferredTime persists an (hour, minute) derived from the legacy
	// free-text description so the parse fallback runs at most once.
	SetPreferredTime(ctx context.Context, id int64, hour, minute int) error

	// ListDueWelcome returns callable customers still awaiting their welcome
	// call whose record is older than the signup grace period.
	ListDueWelcome(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Customer, error)
	// ListDueDaily returns callable customers whose next_call_at falls in
	// [windowStart, windowEnd] and who have not been called today.
	ListDueDaily(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]*domain.Customer, error)
	// ListUnscheduledDaily returns callable customers with no next_call_at
	// but a usable preferred time, for the self-healing fallback path.
	ListUnscheduledDaily(ctx context.Context, limit int) ([]*domain.Customer, error)

	// ReserveDailyCall conditionally stamps last_call_date = day. Returns
	// false when another process already holds today's reservation.
	ReserveDailyCall(ctx context.Context, id int64, day time.Time) (bool, error)
	// ReleaseDailyCall reverts a reservation taken for day, so the retry
	// ladder can dial again later the same day.
	ReleaseDailyCall(ctx context.Context, id int64, day time.Time) error
	// ClearLastCallDate nulls the marker entirely (missed-call retry path).
	ClearLastCallDate(ctx context.Context, id int64) error

	MarkWelcomeDone(ctx context.Context, id int64) error
	SetCallState(ctx context.Context, id int64, state domain.CallState) error
	// IncrementConsecutiveFailures bumps the failure counter and returns the
	// new value so callers can trip the circuit breaker.
	IncrementConsecutiveFailures(ctx context.Context, id int64) (int, error)
	ResetConsecutiveFailures(ctx context.Context, id int64) error

	// RecordCallResult updates the denormalized last-call fields and
	// increments total_calls_made. Callers must hold the claim from
	// CallLogRepository.Finalize so the counter moves once per call.
	RecordCallResult(ctx context.Context, id int64, providerCallID, transcript string, durationSeconds int) error
	// RefreshTranscript replaces the stored transcript for the same call
	// without touching counters, guarded on last_call_id matching.
	RefreshTranscript(ctx context.Context, id int64, providerCallID, transcript string) error
	SetCallContext(ctx context.Context, id int64, mood, summary string) error
}

// CallQueueRepository is the durable at-most-one-active-per-(customer, kind) work queue.
type CallQueueRepository interface {
	// Enqueue inserts a queue item unless an active one already exists for
	// (customerID, kind). Returns false on the silent no-op path.
	Enqueue(ctx context.Context, customerID int64, kind domain.CallKind, scheduledFor time.Time, maxAttempts int) (bool, error)

	// ProcessDueBatch locks up to limit due items with a lock-and-skip read
	// inside a single transaction and invokes fn for each. Items locked by a
	// concurrent drain are skipped. An error from fn aborts the batch; fn is
	// expected to absorb per-item failures by recording them on the item.
	ProcessDueBatch(ctx context.Context, windowStart, windowEnd time.Time, limit int, fn func(ctx context.Context, tx QueueTx, item *domain.QueueItem) error) (int, error)

	ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*domain.QueueItem, error)
}

// QueueTx exposes item bookkeeping bound to the drain transaction.
type QueueTx interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, providerCallID string) error
	Retry(ctx context.Context, id uuid.UUID, attempts int, nextAt time.Time, errMsg string) error
	Fail(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error
}

// CallLogRepository persists call history keyed by the provider's call id.
type CallLogRepository interface {
	Create(ctx context.Context, entry *domain.CallLogEntry) error
	GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.CallLogEntry, error)
	// Finalize applies the end-of-call outcome to the entry for
	// providerCallID if it is still in its initial state. It is a
	// compare-and-set: concurrent deliveries of the same report race here,
	// and only the one that flips the status gets true back. Side effects
	// that must happen once per call hang off that claim.
	Finalize(ctx context.Context, providerCallID string, status domain.CallLogStatus, transcript string, durationSeconds int) (bool, error)
	// UpgradeTranscript replaces a finalized entry's transcript with a
	// strictly longer one, leaving the status untouched. Returns false
	// when the stored transcript is already at least as long.
	UpgradeTranscript(ctx context.Context, providerCallID, transcript string, durationSeconds int) (bool, error)
	ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*domain.CallLogEntry, error)
}
