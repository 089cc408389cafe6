package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallLogStatus enumerates call history outcomes.
type CallLogStatus string

const (
	CallLogInitiated CallLogStatus = "initiated"
	CallLogCompleted CallLogStatus = "completed"
	CallLogNoAnswer  CallLogStatus = "no_answer"
	CallLogFailed    CallLogStatus = "failed"
)

// CallLogEntry is the append-mostly call history record. It is created when
// a dial request is accepted and finalized exactly once by the webhook
// reconciler, keyed on ProviderCallID.
type CallLogEntry struct {
	ID              uuid.UUID
	CustomerID      int64
	Kind            CallKind
	ProviderCallID  string
	Status          CallLogStatus
	DurationSeconds int
	Transcript      string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Finalized reports whether the entry has already received its end-of-call update.
func (e *CallLogEntry) Finalized() bool {
	return e.Status != CallLogInitiated
}
