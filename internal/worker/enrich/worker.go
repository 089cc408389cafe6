// Package enrich consumes finished-call events and persists conversational
// context back onto the customer record.
package enrich

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/app"
	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/queue"
)

// Worker consumes call events and enriches answered calls.
type Worker struct {
	container *app.Container
}

// New creates a new enrichment worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes call events until the context is cancelled. Enrichment is
// best-effort: a failed extraction is logged and the message committed, so
// the stream never stalls on one bad transcript.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.CallEventsTopic, cfg.Kafka.EnrichGroupID)
	defer reader.Close()

	customers := w.container.Repositories().Customers
	extractor := w.container.Providers().Extractor
	logger := w.container.Logger

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("enrich worker: fetch", zap.Error(err))
			continue
		}

		var event queue.CallEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("enrich worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		tracer := otel.Tracer("callline.enrichworker")
		sctx, span := tracer.Start(ctx, "call.enrich", trace.WithAttributes(
			attribute.Int64("customer.id", event.CustomerID),
			attribute.String("call.provider_id", event.ProviderCallID),
			attribute.String("call.status", event.Status),
		))

		if event.Status == string(domain.CallLogCompleted) && event.Transcript != "" {
			callCtx, err := extractor.Extract(sctx, event.Transcript)
			if err != nil {
				span.RecordError(err)
				logger.Warn("enrich worker: extract context",
					zap.Int64("customer_id", event.CustomerID), zap.Error(err))
			} else if err := customers.SetCallContext(sctx, event.CustomerID, callCtx.Mood, callCtx.Summary); err != nil {
				span.RecordError(err)
				logger.Error("enrich worker: persist context",
					zap.Int64("customer_id", event.CustomerID), zap.Error(err))
			}
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			logger.Error("enrich worker: commit", zap.Error(err))
		}
		span.End()
	}
}
