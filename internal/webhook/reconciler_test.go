package webhook

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/domain"
	"github.com/acme/daily-callline/internal/queue"
	"github.com/acme/daily-callline/internal/repository"
	"github.com/acme/daily-callline/pkg/logger"
)

type stubCustomers struct {
	mu       sync.Mutex
	customer *domain.Customer

	recorded  []string
	refreshed []string
	cleared   int
	resets    int
}

func (s *stubCustomers) Get(context.Context, int64) (*domain.Customer, error) {
	if s.customer == nil {
		return nil, repository.ErrNotFound
	}
	snapshot := *s.customer
	return &snapshot, nil
}

func (s *stubCustomers) SetNextCallAt(context.Context, int64, time.Time) error   { return nil }
func (s *stubCustomers) SetPreferredTime(context.Context, int64, int, int) error { return nil }
func (s *stubCustomers) ListDueWelcome(context.Context, time.Time, int) ([]*domain.Customer, error) {
	return nil, nil
}
func (s *stubCustomers) ListDueDaily(context.Context, time.Time, time.Time, int) ([]*domain.Customer, error) {
	return nil, nil
}
func (s *stubCustomers) ListUnscheduledDaily(context.Context, int) ([]*domain.Customer, error) {
	return nil, nil
}
func (s *stubCustomers) ReserveDailyCall(context.Context, int64, time.Time) (bool, error) {
	return true, nil
}
func (s *stubCustomers) ReleaseDailyCall(context.Context, int64, time.Time) error { return nil }

func (s *stubCustomers) ClearLastCallDate(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

func (s *stubCustomers) MarkWelcomeDone(context.Context, int64) error                { return nil }
func (s *stubCustomers) SetCallState(context.Context, int64, domain.CallState) error { return nil }
func (s *stubCustomers) IncrementConsecutiveFailures(context.Context, int64) (int, error) {
	return 0, nil
}

func (s *stubCustomers) ResetConsecutiveFailures(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *stubCustomers) RecordCallResult(_ context.Context, _ int64, providerCallID, _ string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, providerCallID)
	return nil
}

func (s *stubCustomers) RefreshTranscript(_ context.Context, _ int64, providerCallID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, providerCallID)
	return nil
}

func (s *stubCustomers) SetCallContext(context.Context, int64, string, string) error { return nil }

type enqueued struct {
	kind         domain.CallKind
	scheduledFor time.Time
}

type stubQueueRepo struct {
	enqueues []enqueued
}

func (s *stubQueueRepo) Enqueue(_ context.Context, _ int64, kind domain.CallKind, scheduledFor time.Time, _ int) (bool, error) {
	s.enqueues = append(s.enqueues, enqueued{kind: kind, scheduledFor: scheduledFor})
	return true, nil
}

func (s *stubQueueRepo) ProcessDueBatch(context.Context, time.Time, time.Time, int, func(context.Context, repository.QueueTx, *domain.QueueItem) error) (int, error) {
	return 0, nil
}

func (s *stubQueueRepo) ListByCustomer(context.Context, int64, int) ([]*domain.QueueItem, error) {
	return nil, nil
}

type finalization struct {
	status     domain.CallLogStatus
	transcript string
	duration   int
}

// stubLogs mirrors the repository's compare-and-set semantics: Finalize only
// claims an entry still in its initial state, UpgradeTranscript only replaces
// a shorter transcript. readGate, when set, holds every read until all
// expected readers arrived, which forces racing deliveries to observe the
// same pre-finalize snapshot.
type stubLogs struct {
	mu       sync.Mutex
	entry    *domain.CallLogEntry
	readGate *sync.WaitGroup

	finalized []finalization
	upgrades  []finalization
}

func (s *stubLogs) Create(context.Context, *domain.CallLogEntry) error { return nil }

func (s *stubLogs) GetByProviderCallID(_ context.Context, providerCallID string) (*domain.CallLogEntry, error) {
	s.mu.Lock()
	if s.entry == nil || s.entry.ProviderCallID != providerCallID {
		s.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	snapshot := *s.entry
	gate := s.readGate
	s.mu.Unlock()

	if gate != nil {
		gate.Done()
		gate.Wait()
	}
	return &snapshot, nil
}

func (s *stubLogs) Finalize(_ context.Context, providerCallID string, status domain.CallLogStatus, transcript string, duration int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || s.entry.ProviderCallID != providerCallID || s.entry.Status != domain.CallLogInitiated {
		return false, nil
	}
	s.entry.Status = status
	s.entry.Transcript = transcript
	s.entry.DurationSeconds = duration
	s.finalized = append(s.finalized, finalization{status: status, transcript: transcript, duration: duration})
	return true, nil
}

func (s *stubLogs) UpgradeTranscript(_ context.Context, providerCallID, transcript string, duration int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || s.entry.ProviderCallID != providerCallID ||
		s.entry.Status == domain.CallLogInitiated || len(s.entry.Transcript) >= len(transcript) {
		return false, nil
	}
	s.entry.Transcript = transcript
	s.entry.DurationSeconds = duration
	s.upgrades = append(s.upgrades, finalization{status: s.entry.Status, transcript: transcript, duration: duration})
	return true, nil
}

func (s *stubLogs) ListByCustomer(context.Context, int64, int) ([]*domain.CallLogEntry, error) {
	return nil, nil
}

type stubScheduler struct {
	scheduled []int64
}

func (s *stubScheduler) ScheduleNextDailyCall(_ context.Context, customerID int64) error {
	s.scheduled = append(s.scheduled, customerID)
	return nil
}

type capturedEvents struct {
	events []queue.CallEvent
}

func (c *capturedEvents) PublishCallEvent(_ context.Context, event queue.CallEvent) error {
	c.events = append(c.events, event)
	return nil
}

type fixture struct {
	customers  *stubCustomers
	queueRepo  *stubQueueRepo
	logs       *stubLogs
	scheduler  *stubScheduler
	events     *capturedEvents
	reconciler *Reconciler
}

func newFixture(entry *domain.CallLogEntry, customer *domain.Customer) *fixture {
	f := &fixture{
		customers: &stubCustomers{customer: customer},
		queueRepo: &stubQueueRepo{},
		logs:      &stubLogs{entry: entry},
		scheduler: &stubScheduler{},
		events:    &capturedEvents{},
	}
	f.reconciler = NewReconciler(
		f.customers,
		f.queueRepo,
		f.logs,
		f.scheduler,
		f.events,
		config.CallPolicyConfig{
			MissedRetryDelay:      2 * time.Hour,
			MissedRetryCutoffHour: 20,
			AnswerMinSeconds:      30,
			AnswerMinTranscript:   50,
			TranscriptImprovement: 100,
		},
		config.QueueConfig{MaxAttempts: 3},
		&logger.Logger{Logger: zap.NewNop()},
	)
	return f
}

func initiatedEntry(kind domain.CallKind) *domain.CallLogEntry {
	return &domain.CallLogEntry{
		CustomerID:     1,
		Kind:           kind,
		ProviderCallID: "call-1",
		Status:         domain.CallLogInitiated,
	}
}

func easternCustomer() *domain.Customer {
	return &domain.Customer{
		ID:             1,
		Timezone:       "America/New_York",
		PaymentState:   domain.PaymentStatePaid,
		PhoneValidated: true,
		CallState:      domain.CallStateActive,
	}
}

func longTranscript() string {
	return strings.Repeat("we talked about the garden. ", 4)
}

func TestProcessReportAnsweredDaily(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	f := newFixture(initiatedEntry(domain.CallKindDaily), easternCustomer())

	report := CallReport{ProviderCallID: "call-1", Transcript: longTranscript(), DurationSeconds: 120}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	require.Len(t, f.logs.finalized, 1)
	assert.Equal(t, domain.CallLogCompleted, f.logs.finalized[0].status)
	assert.Equal(t, []string{"call-1"}, f.customers.recorded)
	assert.Equal(t, 1, f.customers.resets)
	assert.Equal(t, []int64{1}, f.scheduler.scheduled)
	assert.Empty(t, f.queueRepo.enqueues)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, string(domain.CallLogCompleted), f.events.events[0].Status)
}

func TestProcessReportDuplicateDelivery(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	entry := initiatedEntry(domain.CallKindDaily)
	entry.Status = domain.CallLogCompleted
	entry.Transcript = longTranscript()
	f := newFixture(entry, easternCustomer())

	report := CallReport{ProviderCallID: "call-1", Transcript: entry.Transcript, DurationSeconds: 120}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	assert.Empty(t, f.logs.finalized, "duplicate must not re-finalize")
	assert.Empty(t, f.logs.upgrades, "identical transcript must not upgrade")
	assert.Empty(t, f.customers.recorded, "duplicate must not re-count the call")
	assert.Empty(t, f.scheduler.scheduled)
	assert.Empty(t, f.events.events)
}

func TestProcessReportUpgradesFullerTranscript(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	entry := initiatedEntry(domain.CallKindDaily)
	entry.Status = domain.CallLogCompleted
	entry.Transcript = "short"
	f := newFixture(entry, easternCustomer())

	fuller := entry.Transcript + strings.Repeat(" and then some more detail", 6)
	report := CallReport{ProviderCallID: "call-1", Transcript: fuller, DurationSeconds: 120}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	assert.Empty(t, f.logs.finalized, "upgrade must not re-finalize")
	require.Len(t, f.logs.upgrades, 1)
	assert.Equal(t, domain.CallLogCompleted, f.logs.upgrades[0].status, "status must not change on upgrade")
	assert.Equal(t, fuller, f.logs.upgrades[0].transcript)
	assert.Equal(t, []string{"call-1"}, f.customers.refreshed)
	assert.Empty(t, f.customers.recorded, "upgrade must not re-count the call")
}

func TestProcessReportConcurrentDuplicateDeliveries(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	f := newFixture(initiatedEntry(domain.CallKindDaily), easternCustomer())

	// hold both deliveries at the read until each has seen the entry still
	// initiated, then let them race into the finalize
	var gate sync.WaitGroup
	gate.Add(2)
	f.logs.readGate = &gate

	report := CallReport{ProviderCallID: "call-1", Transcript: longTranscript(), DurationSeconds: 120}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.reconciler.ProcessReport(context.Background(), report, now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, f.logs.finalized, 1, "only one delivery may claim the entry")
	assert.Equal(t, []string{"call-1"}, f.customers.recorded, "call must be counted exactly once")
	assert.Equal(t, 1, f.customers.resets)
	assert.Len(t, f.scheduler.scheduled, 1)
	assert.Len(t, f.events.events, 1)
}

func TestProcessReportMissedDailyRetriesBeforeCutoff(t *testing.T) {
	// 15:00 UTC is 11:00 in New York; the retry lands at 13:00 local,
	// well before the 20:00 cutoff.
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	f := newFixture(initiatedEntry(domain.CallKindDaily), easternCustomer())

	report := CallReport{ProviderCallID: "call-1", Transcript: "hi", DurationSeconds: 5}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	require.Len(t, f.logs.finalized, 1)
	assert.Equal(t, domain.CallLogNoAnswer, f.logs.finalized[0].status)
	assert.Equal(t, 1, f.customers.cleared, "day stamp must be cleared for the retry")

	require.Len(t, f.queueRepo.enqueues, 1)
	assert.Equal(t, domain.CallKindDaily, f.queueRepo.enqueues[0].kind)
	assert.True(t, f.queueRepo.enqueues[0].scheduledFor.Equal(now.Add(2*time.Hour)))
	assert.Empty(t, f.scheduler.scheduled, "missed calls do not roll the schedule")
}

func TestProcessReportMissedDailyPastCutoff(t *testing.T) {
	// 23:30 UTC is 19:30 in New York; the retry would land at 21:30 local,
	// past the cutoff, so the customer waits for tomorrow's schedule.
	now := time.Date(2026, 6, 15, 23, 30, 0, 0, time.UTC)
	f := newFixture(initiatedEntry(domain.CallKindDaily), easternCustomer())

	report := CallReport{ProviderCallID: "call-1", Transcript: "", DurationSeconds: 0}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	assert.Equal(t, 0, f.customers.cleared)
	assert.Empty(t, f.queueRepo.enqueues)
}

func TestProcessReportMissedWelcomeNotRetried(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	f := newFixture(initiatedEntry(domain.CallKindWelcome), easternCustomer())

	report := CallReport{ProviderCallID: "call-1", Transcript: "", DurationSeconds: 3}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	require.Len(t, f.logs.finalized, 1)
	assert.Equal(t, domain.CallLogNoAnswer, f.logs.finalized[0].status)
	assert.Empty(t, f.queueRepo.enqueues)
	assert.Equal(t, 0, f.customers.cleared)
}

func TestProcessReportUnknownCallID(t *testing.T) {
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	f := newFixture(nil, easternCustomer())

	report := CallReport{ProviderCallID: "ghost", Transcript: "x", DurationSeconds: 60}
	require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))

	assert.Empty(t, f.logs.finalized)
	assert.Empty(t, f.customers.recorded)
}

func TestProcessReportAnswerClassification(t *testing.T) {
	cases := []struct {
		name     string
		duration int
		length   int
		want     domain.CallLogStatus
	}{
		{"long call with real conversation", 31, 51, domain.CallLogCompleted},
		{"voicemail pickup, long but silent", 90, 10, domain.CallLogNoAnswer},
		{"instant hangup", 3, 80, domain.CallLogNoAnswer},
		{"exactly at thresholds counts as missed", 30, 50, domain.CallLogNoAnswer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
			f := newFixture(initiatedEntry(domain.CallKindDaily), easternCustomer())

			report := CallReport{
				ProviderCallID:  "call-1",
				Transcript:      strings.Repeat("a", tc.length),
				DurationSeconds: tc.duration,
			}
			require.NoError(t, f.reconciler.ProcessReport(context.Background(), report, now))
			require.Len(t, f.logs.finalized, 1)
			assert.Equal(t, tc.want, f.logs.finalized[0].status)
		})
	}
}
