// Package webhook reconciles provider end-of-call reports against the
// call log and customer scheduling state.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/localtime"
	"github.com/acme/daily-callline/internal/queue"
	"github.com/acme/daily-callline/internal/repository"
	"github.com/acme/daily-callline/pkg/logger"
)

// CallReport is the normalized payload of a provider end-of-call webhook.
type CallReport struct {
	ProviderCallID  string
	Transcript      string
	DurationSeconds int
}

// Reconciler applies end-of-call reports. Providers redeliver webhooks, so
// every path here must be idempotent: finalizing the log entry is a
// compare-and-set that only one delivery wins, and counters, scheduling and
// retries run on the winning path alone. The transcript-improvement
// exception lets a later, fuller report upgrade the stored transcript
// without re-counting the call.
type Reconciler struct {
	customers repository.CustomerRepository
	queueRepo repository.CallQueueRepository
	logs      repository.CallLogRepository
	scheduler queue.NextCallScheduler
	events    queue.EventPublisher

	policy   config.CallPolicyConfig
	queueCfg config.QueueConfig
	logger   *logger.Logger
}

// NewReconciler constructs the webhook reconciler. events may be nil.
func NewReconciler(
	customers repository.CustomerRepository,
	queueRepo repository.CallQueueRepository,
	logs repository.CallLogRepository,
	sched queue.NextCallScheduler,
	events queue.EventPublisher,
	policy config.CallPolicyConfig,
	queueCfg config.QueueConfig,
	lg *logger.Logger,
) *Reconciler {
	return &Reconciler{
		customers: customers,
		queueRepo: queueRepo,
		logs:      logs,
		scheduler: sched,
		events:    events,
		policy:    policy,
		queueCfg:  queueCfg,
		logger:    lg,
	}
}

// ProcessReport handles one end-of-call report. Unknown call ids and
// duplicate deliveries return nil so the HTTP layer always acks; returning
// an error would only make the provider redeliver a report we cannot use.
func (r *Reconciler) ProcessReport(ctx context.Context, report CallReport, now time.Time) error {
	lg := r.logger.With(zap.String("provider_call_id", report.ProviderCallID))

	entry, err := r.logs.GetByProviderCallID(ctx, report.ProviderCallID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			lg.Warn("webhook: report for unknown call, dropping")
			return nil
		}
		return fmt.Errorf("webhook: load call log: %w", err)
	}
	lg = lg.With(zap.Int64("customer_id", entry.CustomerID), zap.String("kind", string(entry.Kind)))

	if entry.Finalized() {
		if len(report.Transcript) > len(entry.Transcript)+r.policy.TranscriptImprovement {
			lg.Info("webhook: duplicate report carries fuller transcript, upgrading")
			return r.upgradeTranscript(ctx, entry, report)
		}
		lg.Debug("webhook: duplicate report, dropping")
		return nil
	}

	answered := report.DurationSeconds > r.policy.AnswerMinSeconds &&
		len(report.Transcript) > r.policy.AnswerMinTranscript

	status := domain.CallLogNoAnswer
	if answered {
		status = domain.CallLogCompleted
	}

	claimed, err := r.logs.Finalize(ctx, report.ProviderCallID, status, report.Transcript, report.DurationSeconds)
	if err != nil {
		return fmt.Errorf("webhook: finalize call log: %w", err)
	}
	if !claimed {
		// a concurrent delivery finalized between our read and the write
		lg.Debug("webhook: lost finalize race to a concurrent delivery, dropping")
		return nil
	}

	if err := r.customers.RecordCallResult(ctx, entry.CustomerID, report.ProviderCallID, report.Transcript, report.DurationSeconds); err != nil {
		return fmt.Errorf("webhook: record call result: %w", err)
	}

	if answered {
		err = r.handleAnswered(ctx, entry, lg)
	} else {
		err = r.handleMissed(ctx, entry, now, lg)
	}
	if err != nil {
		return err
	}

	r.publish(ctx, entry, report, status, now)
	return nil
}

// upgradeTranscript replaces the stored transcript for an already-finalized
// call without touching counters or scheduling. The repository statement is
// conditional on the stored transcript being shorter, so a racing delivery
// that already wrote a fuller one makes this a no-op.
func (r *Reconciler) upgradeTranscript(ctx context.Context, entry *domain.CallLogEntry, report CallReport) error {
	upgraded, err := r.logs.UpgradeTranscript(ctx, entry.ProviderCallID, report.Transcript, report.DurationSeconds)
	if err != nil {
		return fmt.Errorf("webhook: upgrade call log transcript: %w", err)
	}
	if !upgraded {
		return nil
	}
	if err := r.customers.RefreshTranscript(ctx, entry.CustomerID, entry.ProviderCallID, report.Transcript); err != nil {
		return fmt.Errorf("webhook: refresh customer transcript: %w", err)
	}
	return nil
}

func (r *Reconciler) handleAnswered(ctx context.Context, entry *domain.CallLogEntry, lg *zap.Logger) error {
	if err := r.customers.ResetConsecutiveFailures(ctx, entry.CustomerID); err != nil {
		lg.Warn("webhook: reset failure counter", zap.Error(err))
	}
	if entry.Kind == domain.CallKindDaily {
		if err := r.scheduler.ScheduleNextDailyCall(ctx, entry.CustomerID); err != nil {
			lg.Error("webhook: roll schedule forward", zap.Error(err))
		}
	}
	lg.Info("webhook: call answered")
	return nil
}

// handleMissed retries an unanswered daily call later the same local day,
// unless the retry would land past the evening cutoff. Missed welcome calls
// are not retried automatically: welcome_call_done was set at dial time, so
// follow-up is an operator action.
func (r *Reconciler) handleMissed(ctx context.Context, entry *domain.CallLogEntry, now time.Time, lg *zap.Logger) error {
	if entry.Kind != domain.CallKindDaily {
		lg.Info("webhook: welcome call not answered, leaving to operator follow-up")
		return nil
	}

	customer, err := r.customers.Get(ctx, entry.CustomerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			lg.Warn("webhook: customer vanished, skipping missed-call retry")
			return nil
		}
		return fmt.Errorf("webhook: load customer: %w", err)
	}

	retryAt := now.Add(r.policy.MissedRetryDelay)
	loc := localtime.Location(localtime.NormalizeTimezone(customer.Timezone))
	local := now.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(),
		r.policy.MissedRetryCutoffHour, 0, 0, 0, loc)

	if !retryAt.Before(cutoff) {
		lg.Info("webhook: missed call past evening cutoff, waiting for tomorrow",
			zap.Time("retry_at", retryAt), zap.Time("cutoff", cutoff))
		return nil
	}

	// Clear today's stamp so the retry item passes the already-called check,
	// then enqueue the retry directly. Enqueue is a no-op if an active item
	// for this customer already exists.
	if err := r.customers.ClearLastCallDate(ctx, customer.ID); err != nil {
		return fmt.Errorf("webhook: clear last call date: %w", err)
	}
	inserted, err := r.queueRepo.Enqueue(ctx, customer.ID, domain.CallKindDaily, retryAt, r.queueCfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("webhook: enqueue missed-call retry: %w", err)
	}
	if inserted {
		lg.Info("webhook: missed call, retry scheduled", zap.Time("retry_at", retryAt))
	} else {
		lg.Debug("webhook: missed-call retry already queued")
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, entry *domain.CallLogEntry, report CallReport, status domain.CallLogStatus, now time.Time) {
	if r.events == nil {
		return
	}
	event := queue.CallEvent{
		CustomerID:      entry.CustomerID,
		Kind:            entry.Kind,
		ProviderCallID:  entry.ProviderCallID,
		Status:          string(status),
		DurationSeconds: report.DurationSeconds,
		Transcript:      report.Transcript,
		OccurredAt:      now,
	}
	if err := r.events.PublishCallEvent(ctx, event); err != nil {
		r.logger.Warn("webhook: publish call event", zap.Error(err))
	}
}
