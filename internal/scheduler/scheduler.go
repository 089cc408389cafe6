// Package scheduler decides when each customer's next call should occur and
// which customers are due right now.
package scheduler

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/localtime"
	"github.com/acme/daily-callline/internal/repository"
	"github.com/acme/daily-callline/pkg/logger"
)

// DueCall pairs a customer with the kind of call they are due for.
// ScheduledFor is nil for welcome calls, which have no preferred instant.
type DueCall struct {
	Customer     *domain.Customer
	Kind         domain.CallKind
	ScheduledFor *time.Time
}

// Service owns the due-window policy and the post-call rescheduling policy.
type Service struct {
	customers repository.CustomerRepository
	queue     repository.CallQueueRepository
	cfg       config.SchedulerConfig
	queueCfg  config.QueueConfig
	lock      *TickLock
	logger    *logger.Logger
	now       func() time.Time
}

// NewService constructs the scheduler. lock may be nil for single-instance runs.
func NewService(
	customers repository.CustomerRepository,
	queue repository.CallQueueRepository,
	cfg config.SchedulerConfig,
	queueCfg config.QueueConfig,
	lock *TickLock,
	lg *logger.Logger,
) *Service {
	return &Service{
		customers: customers,
		queue:     queue,
		cfg:       cfg,
		queueCfg:  queueCfg,
		lock:      lock,
		logger:    lg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleNextDailyCall computes and persists the customer's next dispatch
// instant from their preferred local time and timezone.
func (s *Service) ScheduleNextDailyCall(ctx context.Context, customerID int64) error {
	customer, err := s.customers.Get(ctx, customerID)
	if err != nil {
		return err
	}

	hour, minute := s.preferredTime(ctx, customer)
	zone := localtime.NormalizeTimezone(customer.Timezone)
	next := localtime.NextOccurrenceUTC(hour, minute, zone, s.now())

	if err := s.customers.SetNextCallAt(ctx, customerID, next); err != nil {
		return err
	}

	s.logger.Debug("scheduler: next daily call set",
		zap.Int64("customer_id", customerID),
		zap.Time("next_call_at", next),
		zap.String("zone", zone))
	return nil
}

// preferredTime resolves the customer's preferred (hour, minute). Order:
// explicit columns, then a one-shot parse of the legacy free-text
// description, then the default. Parse results are persisted so the
// fallback never runs twice for the same customer.
func (s *Service) preferredTime(ctx context.Context, customer *domain.Customer) (int, int) {
	if customer.PreferredHour != nil {
		minute := 0
		if customer.PreferredMinute != nil {
			minute = *customer.PreferredMinute
		}
		return *customer.PreferredHour, minute
	}

	hour, minute, ok := localtime.ParseLooseTime(customer.CallTimeDescription)
	if !ok {
		hour, minute = localtime.DefaultHour, localtime.DefaultMinute
	}

	if err := s.customers.SetPreferredTime(ctx, customer.ID, hour, minute); err != nil {
		s.logger.Warn("scheduler: persist preferred time",
			zap.Int64("customer_id", customer.ID), zap.Error(err))
	}

	return hour, minute
}

// DueCustomers selects every customer eligible for a call right now.
//
// Daily calls use the window [start of today UTC, now + look-ahead]: the
// lower bound reclaims calls missed earlier today (cron downtime) without
// resurrecting stale schedules from prior days; the upper bound keeps calls
// from firing early. Customers with no stored schedule but a usable
// preference are computed on the fly and healed in place.
func (s *Service) DueCustomers(ctx context.Context, now time.Time) ([]DueCall, error) {
	var due []DueCall

	welcome, err := s.customers.ListDueWelcome(ctx, now.Add(-s.cfg.WelcomeGrace), s.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range welcome {
		due = append(due, DueCall{Customer: c, Kind: domain.CallKindWelcome})
	}

	windowStart := localtime.StartOfDayUTC(now)
	windowEnd := now.Add(s.cfg.DueLookAhead)

	daily, err := s.customers.ListDueDaily(ctx, windowStart, windowEnd, s.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range daily {
		at := *c.NextCallAt
		due = append(due, DueCall{Customer: c, Kind: domain.CallKindDaily, ScheduledFor: &at})
	}

	unscheduled, err := s.customers.ListUnscheduledDaily(ctx, s.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range unscheduled {
		if c.CalledOn(now) {
			continue
		}
		minute := 0
		if c.PreferredMinute != nil {
			minute = *c.PreferredMinute
		}
		zone := localtime.NormalizeTimezone(c.Timezone)
		occ := localtime.NextOccurrenceUTC(*c.PreferredHour, minute, zone, now)

		if err := s.customers.SetNextCallAt(ctx, c.ID, occ); err != nil {
			s.logger.Warn("scheduler: heal missing schedule",
				zap.Int64("customer_id", c.ID), zap.Error(err))
		}

		if occ.After(windowEnd) {
			continue
		}
		at := occ
		due = append(due, DueCall{Customer: c, Kind: domain.CallKindDaily, ScheduledFor: &at})
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].ScheduledFor, due[j].ScheduledFor
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	return due, nil
}

// EnqueueDue pushes every due customer onto the call queue. Duplicate
// enqueues collapse silently against the queue's uniqueness constraint.
func (s *Service) EnqueueDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DueCustomers(ctx, now)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, d := range due {
		scheduledFor := now
		if d.ScheduledFor != nil {
			scheduledFor = *d.ScheduledFor
		}

		inserted, err := s.queue.Enqueue(ctx, d.Customer.ID, d.Kind, scheduledFor, s.queueCfg.MaxAttempts)
		if err != nil {
			s.logger.Error("scheduler: enqueue",
				zap.Int64("customer_id", d.Customer.ID),
				zap.String("kind", string(d.Kind)),
				zap.Error(err))
			continue
		}
		if inserted {
			enqueued++
		}
	}

	return enqueued, nil
}

// Run executes the scheduling loop until cancelled.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	tracer := otel.Tracer("callline.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(sctx)
		if err != nil {
			span.RecordError(err)
			s.logger.Warn("scheduler: tick lock unavailable, proceeding", zap.Error(err))
		} else if !acquired {
			s.logger.Debug("scheduler: tick skipped, another instance holds the lock")
			return nil
		} else {
			defer func() {
				if err := s.lock.Release(context.Background()); err != nil {
					s.logger.Warn("scheduler: release tick lock", zap.Error(err))
				}
			}()
		}
	}

	now := s.now()
	enqueued, err := s.EnqueueDue(sctx, now)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("due.enqueued", enqueued))
	if enqueued > 0 {
		s.logger.Info("scheduler: enqueued due calls", zap.Int("count", enqueued), zap.Time("now", now))
	}
	return nil
}
