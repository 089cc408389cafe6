// Package queue holds the durable call queue facade and the drain processor.
package queue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/localtime"
	"github.com/acme/daily-callline/internal/repository"
	"github.com/acme/daily-callline/internal/telephony"
	"github.com/acme/daily-callline/pkg/logger"
)

// NextCallScheduler rolls a customer's daily schedule forward after a
// successful dial.
type NextCallScheduler interface {
	ScheduleNextDailyCall(ctx context.Context, customerID int64) error
}

// EventPublisher pushes call lifecycle events for downstream consumers.
// Publishing is best-effort; failures never affect queue processing.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, event CallEvent) error
}

// Processor drains due queue items. It is safe to run concurrently with
// itself: item exclusion comes from the repository's lock-and-skip read,
// and the per-customer daily reservation blocks double-dialing across
// unrelated items.
type Processor struct {
	queue     repository.CallQueueRepository
	customers repository.CustomerRepository
	logs      repository.CallLogRepository
	provider  telephony.Provider
	specs     *telephony.SpecBuilder
	scheduler NextCallScheduler
	events    EventPublisher

	cfg         config.QueueConfig
	callTimeout time.Duration
	lookAhead   time.Duration
	logger      *logger.Logger
}

// NewProcessor constructs the drain processor. events may be nil.
func NewProcessor(
	queueRepo repository.CallQueueRepository,
	customers repository.CustomerRepository,
	logs repository.CallLogRepository,
	provider telephony.Provider,
	specs *telephony.SpecBuilder,
	sched NextCallScheduler,
	events EventPublisher,
	cfg config.QueueConfig,
	callTimeout, lookAhead time.Duration,
	lg *logger.Logger,
) *Processor {
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}
	if lookAhead <= 0 {
		lookAhead = time.Hour
	}
	return &Processor{
		queue:       queueRepo,
		customers:   customers,
		logs:        logs,
		provider:    provider,
		specs:       specs,
		scheduler:   sched,
		events:      events,
		cfg:         cfg,
		callTimeout: callTimeout,
		lookAhead:   lookAhead,
		logger:      lg,
	}
}

// ProcessDue drains one batch of due items. Returns the number of items handled.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("callline.queueprocessor")
	sctx, span := tracer.Start(ctx, "queue.drain")
	defer span.End()

	windowStart := localtime.StartOfDayUTC(now)
	windowEnd := now.Add(p.lookAhead)

	processed, err := p.queue.ProcessDueBatch(sctx, windowStart, windowEnd, p.cfg.BatchSize,
		func(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem) error {
			return p.processItem(ctx, tx, item, now)
		})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("queue.processed", processed))
	return processed, nil
}

// processItem handles one locked queue item. It only returns an error when
// queue bookkeeping itself fails; call failures are absorbed into the
// item's retry ladder so one bad customer never poisons the batch.
func (p *Processor) processItem(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem, now time.Time) error {
	lg := p.logger.With(
		zap.String("queue_item_id", item.ID.String()),
		zap.Int64("customer_id", item.CustomerID),
		zap.String("kind", string(item.Kind)))

	customer, err := p.customers.Get(ctx, item.CustomerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			lg.Warn("queue: customer vanished, completing item")
			return tx.Complete(ctx, item.ID, "")
		}
		return err
	}

	// Re-check eligibility against the live record: state may have moved
	// between enqueue time and now.
	if !p.stillEligible(customer, item.Kind, now) {
		lg.Info("queue: item no longer eligible, completing without call")
		return tx.Complete(ctx, item.ID, "")
	}

	// Daily calls stamp last_call_date before dialing. The conditional
	// update is the second duplicate-call defense: a concurrent drain that
	// loses this race bails out here instead of double-dialing.
	if item.Kind == domain.CallKindDaily {
		reserved, err := p.customers.ReserveDailyCall(ctx, customer.ID, now)
		if err != nil {
			return err
		}
		if !reserved {
			lg.Info("queue: daily call already reserved today, completing")
			return tx.Complete(ctx, item.ID, "")
		}
	}

	if err := tx.MarkProcessing(ctx, item.ID); err != nil {
		return err
	}

	spec := p.specs.Build(customer, item.Kind)
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	result, callErr := p.provider.PlaceCall(callCtx, spec)
	cancel()

	if callErr == nil && result.Accepted {
		return p.handleAccepted(ctx, tx, item, customer, result, now, lg)
	}

	errMsg := result.Error
	if errMsg == "" && callErr != nil {
		errMsg = callErr.Error()
	}
	return p.handleRejected(ctx, tx, item, customer, errMsg, now, lg)
}

func (p *Processor) stillEligible(customer *domain.Customer, kind domain.CallKind, now time.Time) bool {
	if !customer.Callable() {
		return false
	}
	switch kind {
	case domain.CallKindWelcome:
		return !customer.WelcomeCallDone
	case domain.CallKindDaily:
		return customer.WelcomeCallDone && !customer.CalledOn(now)
	}
	return false
}

func (p *Processor) handleAccepted(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem, customer *domain.Customer, result telephony.Result, now time.Time, lg *zap.Logger) error {
	entry := &domain.CallLogEntry{
		CustomerID:     customer.ID,
		Kind:           item.Kind,
		ProviderCallID: result.ProviderCallID,
		Status:         domain.CallLogInitiated,
	}
	if err := p.logs.Create(ctx, entry); err != nil {
		// The dial is already in flight; losing the log entry costs the
		// webhook reconciliation, so it is loud, but the item still completes.
		lg.Error("queue: record initiated call", zap.Error(err))
	}

	switch item.Kind {
	case domain.CallKindWelcome:
		if err := p.customers.MarkWelcomeDone(ctx, customer.ID); err != nil {
			lg.Error("queue: mark welcome done", zap.Error(err))
		} else if fresh, err := p.customers.Get(ctx, customer.ID); err == nil && !fresh.WelcomeCallDone {
			lg.Error("queue: welcome_call_done write did not stick")
		}
	case domain.CallKindDaily:
		if fresh, err := p.customers.Get(ctx, customer.ID); err == nil && !fresh.CalledOn(now) {
			lg.Warn("queue: last_call_date lost after dial, re-stamping")
			if _, err := p.customers.ReserveDailyCall(ctx, customer.ID, now); err != nil {
				lg.Error("queue: re-stamp last_call_date", zap.Error(err))
			}
		}
	}

	if err := p.customers.ResetConsecutiveFailures(ctx, customer.ID); err != nil {
		lg.Warn("queue: reset failure counter", zap.Error(err))
	}

	if err := p.scheduler.ScheduleNextDailyCall(ctx, customer.ID); err != nil {
		lg.Error("queue: roll schedule forward", zap.Error(err))
	}

	p.publish(ctx, CallEvent{
		CustomerID:     customer.ID,
		Kind:           item.Kind,
		ProviderCallID: result.ProviderCallID,
		Status:         string(domain.CallLogInitiated),
		OccurredAt:     now,
	})

	lg.Info("queue: call placed", zap.String("provider_call_id", result.ProviderCallID))
	return tx.Complete(ctx, item.ID, result.ProviderCallID)
}

func (p *Processor) handleRejected(ctx context.Context, tx repository.QueueTx, item *domain.QueueItem, customer *domain.Customer, errMsg string, now time.Time, lg *zap.Logger) error {
	// Free today's reservation so a retry later today can re-take it.
	if item.Kind == domain.CallKindDaily {
		if err := p.customers.ReleaseDailyCall(ctx, customer.ID, now); err != nil {
			lg.Error("queue: release daily reservation", zap.Error(err))
		}
	}

	attempts := item.Attempts + 1
	if attempts < item.MaxAttempts {
		nextAt := now.Add(time.Duration(attempts) * p.cfg.BackoffStep)
		lg.Warn("queue: dial failed, retrying",
			zap.Int("attempts", attempts), zap.Time("next_at", nextAt), zap.String("error", errMsg))
		return tx.Retry(ctx, item.ID, attempts, nextAt, errMsg)
	}

	lg.Error("queue: dial failed permanently", zap.Int("attempts", attempts), zap.String("error", errMsg))
	if err := tx.Fail(ctx, item.ID, attempts, errMsg); err != nil {
		return err
	}

	count, err := p.customers.IncrementConsecutiveFailures(ctx, customer.ID)
	if err != nil {
		lg.Error("queue: increment failure counter", zap.Error(err))
		return nil
	}
	if count >= p.cfg.DisableThreshold {
		// Circuit breaker: stop hammering a persistently unreachable
		// customer. Re-enabling is an operator action.
		lg.Warn("queue: failure threshold reached, disabling calls", zap.Int("consecutive_failures", count))
		if err := p.customers.SetCallState(ctx, customer.ID, domain.CallStateDisabled); err != nil {
			lg.Error("queue: disable customer", zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, event CallEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishCallEvent(ctx, event); err != nil {
		p.logger.Warn("queue: publish call event", zap.Error(err))
	}
}

// Run executes the drain loop until cancelled.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.DrainInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := p.ProcessDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			p.logger.Error("queue drain failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Info("queue drain finished", zap.Int("processed", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
