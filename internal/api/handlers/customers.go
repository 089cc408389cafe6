package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/daily-callline/internal/domain"
)

type scheduleResponse struct {
	CustomerID          int64      `json:"customer_id"`
	Timezone            string     `json:"timezone"`
	PreferredHour       *int       `json:"preferred_hour,omitempty"`
	PreferredMinute     *int       `json:"preferred_minute,omitempty"`
	CallTimeDescription string     `json:"call_time_description,omitempty"`
	CallState           string     `json:"call_state"`
	WelcomeCallDone     bool       `json:"welcome_call_done"`
	NextCallAt          *time.Time `json:"next_call_at,omitempty"`
	LastCallDate        *time.Time `json:"last_call_date,omitempty"`
	TotalCallsMade      int        `json:"total_calls_made"`
}

type callLogResponse struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	ProviderCallID  string     `json:"provider_call_id"`
	Status          string     `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	Transcript      string     `json:"transcript,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type queueItemResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

func customerID(ctx *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(ctx.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid customer id")
	}
	return id, nil
}

func (h *HandlerSet) getSchedule(ctx *fiber.Ctx) error {
	id, err := customerID(ctx)
	if err != nil {
		return err
	}

	customer, err := h.customers.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(scheduleResponse{
		CustomerID:          customer.ID,
		Timezone:            customer.Timezone,
		PreferredHour:       customer.PreferredHour,
		PreferredMinute:     customer.PreferredMinute,
		CallTimeDescription: customer.CallTimeDescription,
		CallState:           string(customer.CallState),
		WelcomeCallDone:     customer.WelcomeCallDone,
		NextCallAt:          customer.NextCallAt,
		LastCallDate:        customer.LastCallDate,
		TotalCallsMade:      customer.TotalCallsMade,
	})
}

// refreshSchedule recomputes next_call_at from the customer's current
// preferred time and timezone. Used after profile edits.
func (h *HandlerSet) refreshSchedule(ctx *fiber.Ctx) error {
	id, err := customerID(ctx)
	if err != nil {
		return err
	}

	if err := h.scheduler.ScheduleNextDailyCall(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	customer, err := h.customers.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"customer_id":  customer.ID,
		"next_call_at": customer.NextCallAt,
	})
}

func (h *HandlerSet) listCalls(ctx *fiber.Ctx) error {
	id, err := customerID(ctx)
	if err != nil {
		return err
	}

	limit := ctx.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	entries, err := h.callLog.ListByCustomer(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]callLogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, callLogResponse{
			ID:              e.ID.String(),
			Kind:            string(e.Kind),
			ProviderCallID:  e.ProviderCallID,
			Status:          string(e.Status),
			DurationSeconds: e.DurationSeconds,
			Transcript:      e.Transcript,
			ErrorMessage:    e.ErrorMessage,
			CreatedAt:       e.CreatedAt,
			UpdatedAt:       e.UpdatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": out})
}

type triggerCallRequest struct {
	Kind string `json:"kind"`
}

// triggerCall enqueues an immediate call outside the normal schedule. The
// queue's active-item guard still applies, so repeated triggers collapse
// into one pending item.
func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	id, err := customerID(ctx)
	if err != nil {
		return err
	}

	var req triggerCallRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	kind := domain.CallKindDaily
	switch req.Kind {
	case "", string(domain.CallKindDaily):
	case string(domain.CallKindWelcome):
		kind = domain.CallKindWelcome
	default:
		return fiber.NewError(http.StatusBadRequest, "invalid call kind")
	}

	customer, err := h.customers.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	if !customer.Callable() {
		return fiber.NewError(http.StatusConflict, "customer is not callable")
	}

	inserted, err := h.callQueue.Enqueue(ctx.Context(), id, kind, time.Now().UTC(), h.container.Config.Queue.MaxAttempts)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"enqueued": inserted,
		"kind":     string(kind),
	})
}

func (h *HandlerSet) listQueue(ctx *fiber.Ctx) error {
	id, err := customerID(ctx)
	if err != nil {
		return err
	}

	limit := ctx.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	items, err := h.callQueue.ListByCustomer(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, queueItemResponse{
			ID:           item.ID.String(),
			Kind:         string(item.Kind),
			Status:       string(item.Status),
			ScheduledFor: item.ScheduledFor,
			Attempts:     item.Attempts,
			MaxAttempts:  item.MaxAttempts,
			ErrorMessage: item.ErrorMessage,
			ProcessedAt:  item.ProcessedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"queue": out})
}
