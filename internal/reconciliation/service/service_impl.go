package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	reconciliationdomain "github.com/meterbill/meterbill/internal/reconciliation/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	HotStore    hotstoredomain.Store
	Usage       usagedomain.Service
	Audit       auditdomain.Service
	Operational *config.OperationalConfigHolder `optional:"true"`
	Metrics     *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	hotstore    hotstoredomain.Store
	usage       usagedomain.Service
	audit       auditdomain.Service
	operational *config.OperationalConfigHolder
	metrics     *obsmetrics.Metrics
}

func New(p Params) reconciliationdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconciliation.service"),
		clock:       p.Clock,
		hotstore:    p.HotStore,
		usage:       p.Usage,
		audit:       p.Audit,
		operational: p.Operational,
		metrics:     p.Metrics,
	}
}

func (s *Service) variancePercent() float64 {
	if s.operational != nil {
		return s.operational.Get().Reconciliation.VarianceThresholdPercent
	}
	return 0.5
}

func (s *Service) RunAll(ctx context.Context, date time.Time) (*reconciliationdomain.Summary, error) {
	if date.IsZero() {
		return nil, reconciliationdomain.ErrInvalidDate
	}

	total := &reconciliationdomain.Summary{}
	for _, loop := range []func(context.Context, time.Time) (*reconciliationdomain.Summary, error){
		s.ReconcileEventCounts,
		s.ReconcileAggregates,
		s.ReconcilePayments,
	} {
		summary, err := loop(ctx, date)
		if err != nil {
			// A loop-level failure is reported and the remaining loops
			// still run.
			s.log.Error("reconciliation loop failed", zap.Time("date", date), zap.Error(err))
			total.Errors++
			total.Runs++
			continue
		}
		total.Runs += summary.Runs
		total.Reconciled += summary.Reconciled
		total.Discrepancies += summary.Discrepancies
		total.Errors += summary.Errors
	}

	_ = s.audit.AuditLog(ctx, nil, "", nil, "reconciliation.completed", "reconciliation", nil, map[string]any{
		"date":          date.Format("2006-01-02"),
		"runs":          total.Runs,
		"reconciled":    total.Reconciled,
		"discrepancies": total.Discrepancies,
		"errors":        total.Errors,
	})
	return total, nil
}

// ReconcileEventCounts compares hot-store and durable-store event
// counts per (org, project, metric) for one UTC day.
func (s *Service) ReconcileEventCounts(ctx context.Context, date time.Time) (*reconciliationdomain.Summary, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	summary := &reconciliationdomain.Summary{}

	hotCounts, err := s.hotstore.CountsForDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("hot counts: %w", err)
	}
	durableCounts, err := s.usage.DailyCounts(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("durable counts: %w", err)
	}

	type bucket struct{ hot, durable int64 }
	buckets := map[string]*bucket{}
	key := func(orgID, projectID uuid.UUID, metric string) string {
		return fmt.Sprintf("%s/%s/%s", orgID, projectID, metric)
	}
	for _, c := range hotCounts {
		buckets[key(c.OrgID, c.ProjectID, c.MetricName)] = &bucket{hot: c.Count}
	}
	for _, c := range durableCounts {
		k := key(c.OrgID, c.ProjectID, c.MetricName)
		if b, ok := buckets[k]; ok {
			b.durable = c.Count
		} else {
			buckets[k] = &bucket{durable: c.Count}
		}
	}

	for scope, b := range buckets {
		status := reconciliationdomain.StatusReconciled
		if b.hot != b.durable {
			status = reconciliationdomain.StatusDiscrepancy
		}
		s.record(ctx, summary, reconciliationdomain.ReconciliationRun{
			SourcePair: reconciliationdomain.SourceHotDurable,
			Scope:      scope,
			RunDate:    day,
			LeftCount:  b.hot,
			RightCount: b.durable,
			Status:     status,
		})
	}
	return summary, nil
}

// ReconcileAggregates recomputes each stored aggregate of the day's
// month from durable events and compares value and count.
func (s *Service) ReconcileAggregates(ctx context.Context, date time.Time) (*reconciliationdomain.Summary, error) {
	month, year := int(date.UTC().Month()), date.UTC().Year()
	day := date.UTC().Truncate(24 * time.Hour)
	summary := &reconciliationdomain.Summary{}

	aggregates, err := s.usage.ListAggregates(ctx, month, year)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}

	threshold := decimal.NewFromFloat(s.variancePercent()).Div(decimal.NewFromInt(100))
	for _, aggregate := range aggregates {
		scope := fmt.Sprintf("%s/%s/%s/%s/%d-%02d",
			aggregate.OrgID, aggregate.ProjectID, aggregate.MetricName, aggregate.Unit, year, month)

		totals, err := s.usage.SumEvents(ctx, aggregate.OrgID, aggregate.ProjectID,
			aggregate.MetricName, aggregate.Unit, month, year)
		if err != nil {
			s.log.Error("aggregate reconciliation scope failed", zap.String("scope", scope), zap.Error(err))
			s.record(ctx, summary, reconciliationdomain.ReconciliationRun{
				SourcePair: reconciliationdomain.SourceAggregateEvents,
				Scope:      scope,
				RunDate:    day,
				Status:     reconciliationdomain.StatusError,
				Details:    datatypes.JSONMap{"error": err.Error()},
			})
			continue
		}

		status := reconciliationdomain.StatusReconciled
		if totals.EventCount != aggregate.EventCount {
			status = reconciliationdomain.StatusDiscrepancy
		}
		// Value comparison tolerates the operational variance threshold;
		// counts must match exactly.
		drift := aggregate.TotalValue.Sub(totals.TotalValue).Abs()
		allowed := totals.TotalValue.Abs().Mul(threshold)
		if drift.GreaterThan(allowed) {
			status = reconciliationdomain.StatusDiscrepancy
		}

		s.record(ctx, summary, reconciliationdomain.ReconciliationRun{
			SourcePair: reconciliationdomain.SourceAggregateEvents,
			Scope:      scope,
			RunDate:    day,
			LeftCount:  aggregate.EventCount,
			RightCount: totals.EventCount,
			Status:     status,
			Details: datatypes.JSONMap{
				"stored_value":   aggregate.TotalValue.String(),
				"computed_value": totals.TotalValue.String(),
			},
		})
	}
	return summary, nil
}

type paymentDayCount struct {
	OrgID        uuid.UUID `gorm:"column:org_id"`
	Total        int64     `gorm:"column:total"`
	Unreconciled int64     `gorm:"column:unreconciled"`
}

// ReconcilePayments compares local payment rows created on the day
// against their gateway bindings per org. Rows lacking a
// gateway_payment_id are the unreconciled view; a later refinement can
// replace the right-hand side with the gateway's own order listing.
func (s *Service) ReconcilePayments(ctx context.Context, date time.Time) (*reconciliationdomain.Summary, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	next := day.AddDate(0, 0, 1)
	summary := &reconciliationdomain.Summary{}

	var counts []paymentDayCount
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id,
		        COUNT(*) AS total,
		        SUM(CASE WHEN gateway_payment_id IS NULL THEN 1 ELSE 0 END) AS unreconciled
		 FROM payments
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY org_id`,
		day, next,
	).Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("payment counts: %w", err)
	}

	for _, c := range counts {
		status := reconciliationdomain.StatusReconciled
		if c.Unreconciled > 0 {
			status = reconciliationdomain.StatusDiscrepancy
		}
		s.record(ctx, summary, reconciliationdomain.ReconciliationRun{
			SourcePair: reconciliationdomain.SourceLocalGateway,
			Scope:      c.OrgID.String(),
			RunDate:    day,
			LeftCount:  c.Total,
			RightCount: c.Total - c.Unreconciled,
			Status:     status,
		})
	}
	return summary, nil
}

// record upserts the (source_pair, scope, run_date) row and counts it.
func (s *Service) record(ctx context.Context, summary *reconciliationdomain.Summary, run reconciliationdomain.ReconciliationRun) {
	run.ID = uuid.New()
	run.CompletedAt = s.clock.Now()
	run.CreatedAt = run.CompletedAt

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_pair"}, {Name: "scope"}, {Name: "run_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"left_count", "right_count", "status", "details", "completed_at",
		}),
	}).Create(&run).Error
	if err != nil {
		s.log.Error("failed to persist reconciliation run",
			zap.String("source_pair", run.SourcePair),
			zap.String("scope", run.Scope),
			zap.Error(err),
		)
		summary.Add(reconciliationdomain.StatusError)
		return
	}

	if run.Status != reconciliationdomain.StatusReconciled {
		s.log.Warn("reconciliation variance",
			zap.String("source_pair", run.SourcePair),
			zap.String("scope", run.Scope),
			zap.Int64("left", run.LeftCount),
			zap.Int64("right", run.RightCount),
			zap.String("status", string(run.Status)),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordReconciliationRun(ctx, run.SourcePair, string(run.Status))
	}
	summary.Add(run.Status)
}
