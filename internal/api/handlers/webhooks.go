package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/webhook"
)

type callWebhookRequest struct {
	Type string `json:"type"`
	Call struct {
		ID string `json:"id"`
	} `json:"call"`
	Transcript string `json:"transcript"`
	Duration   int    `json:"duration"`
}

// callWebhook ingests provider end-of-call reports. The provider treats any
// non-2xx as a delivery failure and will mark the endpoint unhealthy, so
// internal errors are logged and acked rather than surfaced.
func (h *HandlerSet) callWebhook(ctx *fiber.Ctx) error {
	var req callWebhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		h.container.Logger.Warn("webhook: unparseable payload", zap.Error(err))
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
	}

	if req.Type != "end-of-call-report" || req.Call.ID == "" {
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
	}

	report := webhook.CallReport{
		ProviderCallID:  req.Call.ID,
		Transcript:      req.Transcript,
		DurationSeconds: req.Duration,
	}
	if err := h.reconciler.ProcessReport(ctx.Context(), report, time.Now().UTC()); err != nil {
		h.container.Logger.Error("webhook: reconcile report failed",
			zap.String("provider_call_id", req.Call.ID), zap.Error(err))
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}
