package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/app"
	"github.com/acme/daily-callline/internal/repository"
	"github.com/acme/daily-callline/internal/scheduler"
	"github.com/acme/daily-callline/internal/webhook"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container  *app.Container
	reconciler *webhook.Reconciler
	scheduler  *scheduler.Service
	customers  repository.CustomerRepository
	callQueue  repository.CallQueueRepository
	callLog    repository.CallLogRepository
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	repos := container.Repositories()
	return &HandlerSet{
		container:  container,
		reconciler: services.Reconciler,
		scheduler:  services.Scheduler,
		customers:  repos.Customers,
		callQueue:  repos.CallQueue,
		callLog:    repos.CallLog,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Post("/webhooks/calls", h.callWebhook)

	customers := v1.Group("/customers")
	customers.Get("/:id/schedule", h.getSchedule)
	customers.Post("/:id/schedule/refresh", h.refreshSchedule)
	customers.Get("/:id/calls", h.listCalls)
	customers.Post("/:id/calls", h.triggerCall)
	customers.Get("/:id/queue", h.listQueue)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
