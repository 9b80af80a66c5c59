// Package scheduler drives the periodic billing pipeline: hot-store
// migration, retention cleanup, reconciliation, month-end invoice
// generation, payment retries and pinned-rate sync.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditcontext "github.com/meterbill/meterbill/internal/auditcontext"
	"github.com/meterbill/meterbill/internal/clock"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	"github.com/meterbill/meterbill/internal/ratelimit"
	reconciliationdomain "github.com/meterbill/meterbill/internal/reconciliation/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/meterbill/meterbill/internal/usage/migrator"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node

	Migrator       *migrator.Worker
	HotStore       hotstoredomain.Store
	Idempotency    idempotencydomain.Registry
	UsageSvc       usagedomain.Service
	InvoiceSvc     invoicedomain.Service
	PaymentSvc     paymentdomain.Service
	ExchangeSvc    exchangedomain.Service
	Reconciliation reconciliationdomain.Service

	Locker *ratelimit.Locker `optional:"true"`
	Config Config            `optional:"true"`
}

type Scheduler struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   Config
	clock clock.Clock
	genID *snowflake.Node

	migrator       *migrator.Worker
	hotstore       hotstoredomain.Store
	idempotency    idempotencydomain.Registry
	usageSvc       usagedomain.Service
	invoiceSvc     invoicedomain.Service
	paymentSvc     paymentdomain.Service
	exchangeSvc    exchangedomain.Service
	reconciliation reconciliationdomain.Service
	locker         *ratelimit.Locker

	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.GenID == nil ||
		p.Migrator == nil || p.HotStore == nil || p.Idempotency == nil ||
		p.UsageSvc == nil || p.InvoiceSvc == nil || p.PaymentSvc == nil || p.ExchangeSvc == nil ||
		p.Reconciliation == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		genID:          p.GenID,
		migrator:       p.Migrator,
		hotstore:       p.HotStore,
		idempotency:    p.Idempotency,
		usageSvc:       p.UsageSvc,
		invoiceSvc:     p.InvoiceSvc,
		paymentSvc:     p.PaymentSvc,
		exchangeSvc:    p.ExchangeSvc,
		reconciliation: p.Reconciliation,
		locker:         p.Locker,
		lastRun:        make(map[string]time.Time),
	}, nil
}

type job struct {
	name    string
	timeout time.Duration
	enabled bool
	due     func(now time.Time) bool
	run     func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{
			name:    "event_migration",
			timeout: 2 * time.Minute,
			enabled: true,
			due:     s.everyDue("event_migration", s.cfg.MigrationInterval),
			run:     s.MigrationJob,
		},
		{
			name:    "cleanup",
			timeout: 5 * time.Minute,
			enabled: true,
			due:     s.everyDue("cleanup", s.cfg.CleanupInterval),
			run:     s.CleanupJob,
		},
		{
			name:    "reconciliation",
			timeout: 10 * time.Minute,
			enabled: true,
			due:     s.everyDue("reconciliation", s.cfg.ReconciliationInterval),
			run:     s.ReconciliationJob,
		},
		{
			name:    "invoice_generation",
			timeout: 30 * time.Minute,
			enabled: true,
			due:     s.monthlyDue("invoice_generation"),
			run:     s.InvoiceGenerationJob,
		},
		{
			name:    "payment_retry",
			timeout: 5 * time.Minute,
			enabled: s.cfg.PaymentRetryEnabled,
			due:     s.everyDue("payment_retry", s.cfg.PaymentRetryInterval),
			run:     s.PaymentRetryJob,
		},
		{
			name:    "rate_sync",
			timeout: time.Minute,
			enabled: true,
			due:     s.everyDue("rate_sync", s.cfg.RateSyncInterval),
			run:     s.RateSyncJob,
		},
	}
}

// everyDue fires on the first tick and then once per interval.
func (s *Scheduler) everyDue(name string, interval time.Duration) func(time.Time) bool {
	return func(now time.Time) bool {
		last, ok := s.lastRun[name]
		if !ok {
			return true
		}
		return now.Sub(last) >= interval
	}
}

// monthlyDue fires on the first calendar day of each month, once.
func (s *Scheduler) monthlyDue(name string) func(time.Time) bool {
	return func(now time.Time) bool {
		if now.UTC().Day() != 1 {
			return false
		}
		last, ok := s.lastRun[name]
		if !ok {
			return true
		}
		lastUTC := last.UTC()
		nowUTC := now.UTC()
		return lastUTC.Year() != nowUTC.Year() || lastUTC.Month() != nowUTC.Month()
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now()
	var err error

	for _, j := range s.jobs() {
		if !j.enabled || !s.isJobEnabled(j.name) {
			continue
		}
		if !j.due(now) {
			continue
		}
		// Attempted runs count as runs: a failing job is retried on
		// its next due time, not on every tick.
		s.lastRun[j.name] = now
		err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.TickInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.TickInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.withLock(ctx, name, fn)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withLock single-flights the job across processes when a redis locker
// is configured. Without one the scheduler runs unlocked.
func (s *Scheduler) withLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	key := "scheduler:" + name
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.logger(ctx).Warn("job lock unavailable, running unlocked",
			zap.String("job", name), zap.Error(err))
		return fn(ctx)
	}
	if !ok {
		s.logger(ctx).Debug("job held elsewhere, skipping", zap.String("job", name))
		return nil
	}
	defer func() {
		if releaseErr := s.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			s.logger(ctx).Warn("job lock release failed",
				zap.String("job", name), zap.Error(releaseErr))
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) MigrationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "event_migration")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	stats, err := s.migrator.Run(ctx)
	run.AddProcessed(stats.Inserted)
	if err != nil {
		s.logSchedulerError(ctx, run, "migration.run.failed", "event_migration", err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("event_migration", "events", stats.Inserted)
	return nil
}

func (s *Scheduler) CleanupJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "cleanup")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	cutoff := now.AddDate(0, 0, -s.cfg.HotRetentionDays)
	purged, err := s.hotstore.Purge(ctx, cutoff)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "cleanup.hot_purge.failed", "cleanup", err)
	} else {
		run.AddProcessed(int(purged))
		obsmetrics.Scheduler().AddBatchProcessed("cleanup", "hot_events", int(purged))
	}

	expired, err := s.idempotency.Cleanup(ctx, now)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "cleanup.idempotency.failed", "cleanup", err)
	} else {
		run.AddProcessed(int(expired))
		obsmetrics.Scheduler().AddBatchProcessed("cleanup", "idempotency_keys", int(expired))
	}

	return jobErr
}

func (s *Scheduler) ReconciliationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reconciliation")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	// Reconcile yesterday: today's data is still moving.
	date := s.clock.Now().UTC().AddDate(0, 0, -1)
	summary, err := s.reconciliation.RunAll(ctx, date)
	if err != nil {
		s.logSchedulerError(ctx, run, "reconciliation.run.failed", "reconciliation", err)
		return err
	}
	run.AddProcessed(summary.Runs)
	if summary.Discrepancies > 0 || summary.Errors > 0 {
		s.logger(ctx).Warn("reconciliation found variances",
			zap.Int("discrepancies", summary.Discrepancies),
			zap.Int("errors", summary.Errors),
		)
	}
	return nil
}

func (s *Scheduler) InvoiceGenerationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "invoice_generation")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	// Bill the month that just closed.
	prev := s.clock.Now().UTC().AddDate(0, -1, 0)
	month, year := int(prev.Month()), prev.Year()

	rolled, err := s.usageSvc.RollupMonth(ctx, month, year)
	if err != nil {
		s.logSchedulerError(ctx, run, "invoice.rollup.failed", "invoice_generation", err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("invoice_generation", "aggregates", rolled)

	created, err := s.invoiceSvc.GenerateDue(ctx, month, year)
	run.AddProcessed(created)
	if err != nil {
		s.logSchedulerError(ctx, run, "invoice.generate_due.failed", "invoice_generation", err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("invoice_generation", "invoices", created)

	if !s.cfg.FinalizeInvoices {
		return nil
	}
	return s.finalizeDrafts(ctx, run, month, year)
}

func (s *Scheduler) finalizeDrafts(ctx context.Context, run *jobRun, month, year int) error {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("month = ? AND year = ? AND status = ?", month, year, invoicedomain.StatusDraft).
		Pluck("id", &ids).Error
	if err != nil {
		s.logSchedulerError(ctx, run, "invoice.finalize.failed", "invoice_generation", err)
		return err
	}

	var jobErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.invoiceSvc.Finalize(ctx, id); err != nil {
			// Another process may have finalized it between the
			// listing and this call.
			if errors.Is(err, invoicedomain.ErrInvoiceAlreadyFinalized) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "invoice.finalize.failed", "invoice_generation", err,
				zap.String("invoice_id", id.String()))
		}
	}
	return jobErr
}

func (s *Scheduler) PaymentRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "payment_retry")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	attempted, err := s.paymentSvc.RetryDuePayments(ctx)
	run.AddProcessed(attempted)
	if err != nil {
		s.logSchedulerError(ctx, run, "payment.retry.failed", "payment_retry", err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("payment_retry", "payments", attempted)
	return nil
}

func (s *Scheduler) RateSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "rate_sync")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	synced, err := s.exchangeSvc.SyncPinnedRates(ctx)
	run.AddProcessed(synced)
	if err != nil {
		s.logSchedulerError(ctx, run, "exchange.rate_sync.failed", "rate_sync", err)
		return err
	}
	return nil
}
