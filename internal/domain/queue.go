package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes the one-time welcome call from the recurring daily call.
type CallKind string

const (
	CallKindWelcome CallKind = "welcome"
	CallKindDaily   CallKind = "daily"
)

// QueueItemStatus enumerates lifecycle states of a queued call.
type QueueItemStatus string

const (
	QueueStatusPending    QueueItemStatus = "pending"
	QueueStatusProcessing QueueItemStatus = "processing"
	QueueStatusRetrying   QueueItemStatus = "retrying"
	QueueStatusCompleted  QueueItemStatus = "completed"
	QueueStatusFailed     QueueItemStatus = "failed"
)

// Active reports whether the status occupies the per-(customer, kind) uniqueness slot.
func (s QueueItemStatus) Active() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusRetrying:
		return true
	}
	return false
}

// QueueItem is one unit of dialing work. At most one item per
// (customer, kind) may be in an active status at any time.
type QueueItem struct {
	ID             uuid.UUID
	CustomerID     int64
	Kind           CallKind
	ScheduledFor   time.Time
	Status         QueueItemStatus
	Attempts       int
	MaxAttempts    int
	ErrorMessage   string
	ProviderCallID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedAt    *time.Time
}
