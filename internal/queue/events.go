package queue

import (
	"time"

	"github.com/acme/daily-callline/internal/domain"
)

// CallEvent is published after each reconciled call outcome. Downstream
// consumers (enrichment, dashboards) key off ProviderCallID.
type CallEvent struct {
	CustomerID      int64           `json:"customer_id"`
	Kind            domain.CallKind `json:"kind"`
	ProviderCallID  string          `json:"provider_call_id"`
	Status          string          `json:"status"`
	DurationSeconds int             `json:"duration_seconds"`
	Transcript      string          `json:"transcript,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
