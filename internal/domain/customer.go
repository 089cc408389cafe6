package domain

import "time"

// PaymentState enumerates billing states that gate calling eligibility.
type PaymentState string

const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStatePaid     PaymentState = "paid"
	PaymentStatePartner  PaymentState = "partner"
	PaymentStateRefunded PaymentState = "refunded"
)

// CallState enumerates per-customer calling lifecycle states.
type CallState string

const (
	CallStateActive   CallState = "active"
	CallStatePaused   CallState = "paused"
	CallStateDisabled CallState = "disabled"
	CallStateFailed   CallState = "failed"
)

// Customer models the scheduling-relevant slice of a customer record.
// Phone is already validated E.164; Timezone may be a legacy display
// label and must be normalized before use.
type Customer struct {
	ID             int64
	Name           string
	Phone          string
	Timezone       string
	PaymentState   PaymentState
	PhoneValidated bool
	CallState      CallState

	PreferredHour       *int
	PreferredMinute     *int
	CallTimeDescription string

	WelcomeCallDone     bool
	LastCallDate        *time.Time
	NextCallAt          *time.Time
	ConsecutiveFailures int

	TotalCallsMade     int
	LastCallID         string
	LastCallTranscript string
	LastCallSeconds    int
	LastCallMood       string
	LastCallSummary    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Callable reports whether the customer is eligible to receive calls at all.
// Time-window checks are layered on top of this by the scheduler.
func (c *Customer) Callable() bool {
	if c.PaymentState != PaymentStatePaid && c.PaymentState != PaymentStatePartner {
		return false
	}
	if !c.PhoneValidated {
		return false
	}
	if c.CallState == CallStateDisabled || c.CallState == CallStatePaused {
		return false
	}
	return true
}

// CalledOn reports whether LastCallDate marks the given calendar day (UTC date compare).
func (c *Customer) CalledOn(day time.Time) bool {
	if c.LastCallDate == nil {
		return false
	}
	y1, m1, d1 := c.LastCallDate.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
