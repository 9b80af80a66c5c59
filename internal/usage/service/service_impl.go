package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	"github.com/meterbill/meterbill/internal/metricsexport"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	HotStore hotstoredomain.Store
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	hotstore hotstoredomain.Store
	metrics  *obsmetrics.Metrics
}

func New(p ServiceParam) usagedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("usage.service"),
		clock:    p.Clock,
		hotstore: p.HotStore,
		metrics:  p.Metrics,
	}
}

// Ingest appends one event to the hot store. The durable copy is made
// asynchronously by the migration worker.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (usagedomain.IngestResult, error) {
	if req.OrgID == uuid.Nil {
		return usagedomain.IngestResult{}, usagedomain.ErrInvalidOrganization
	}
	if req.ProjectID == uuid.Nil {
		return usagedomain.IngestResult{}, usagedomain.ErrInvalidProject
	}
	if strings.TrimSpace(req.MetricName) == "" {
		return usagedomain.IngestResult{}, usagedomain.ErrInvalidMetricName
	}
	if req.MetricValue.IsNegative() {
		return usagedomain.IngestResult{}, usagedomain.ErrInvalidMetricValue
	}
	if strings.TrimSpace(req.Unit) == "" {
		return usagedomain.IngestResult{}, usagedomain.ErrInvalidUnit
	}

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	event := &hotstoredomain.HotUsageEvent{
		ID:             uuid.New(),
		OrgID:          req.OrgID,
		ProjectID:      req.ProjectID,
		IdempotencyKey: synthesizeIdempotencyKey(req),
		MetricName:     strings.TrimSpace(req.MetricName),
		MetricValue:    req.MetricValue,
		Unit:           strings.TrimSpace(req.Unit),
		RecordedAt:     recordedAt.UTC(),
		IngestedAt:     now,
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.hotstore.Put(ctx, event)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}

	result := "accepted"
	if !inserted {
		result = "duplicate"
	}
	if s.metrics != nil {
		s.metrics.RecordUsageIngest(ctx, event.MetricName, result)
	}
	if inserted {
		metricsexport.RecordUsageEvent(event.OrgID.String(), event.MetricName)
	}

	return usagedomain.IngestResult{EventID: event.ID, Duplicate: !inserted}, nil
}

// synthesizeIdempotencyKey prefers the client's key, then the client's
// event id, then a fresh ulid (the event is then only deduplicated by
// exact retransmission of the same generated id, i.e. never).
func synthesizeIdempotencyKey(req usagedomain.IngestRequest) string {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return key
	}
	if eventID := strings.TrimSpace(req.EventID); eventID != "" {
		return "event:" + eventID
	}
	return "gen:" + ulid.Make().String()
}

// durableSubBatch caps the rows per INSERT to respect driver parameter
// limits.
const durableSubBatch = 100

// InsertEvents writes the batch with ON CONFLICT (idempotency_key) DO
// NOTHING, then re-reads the stored ids for the batch keys. A row whose
// stored id matches the candidate id was inserted by this call; any
// other id proves the store already held the key.
func (s *Service) InsertEvents(ctx context.Context, events []usagedomain.UsageEvent) (usagedomain.InsertResult, error) {
	if len(events) == 0 {
		return usagedomain.InsertResult{}, nil
	}

	keys := make([]string, 0, len(events))
	for i := range events {
		if events[i].ID == uuid.Nil || strings.TrimSpace(events[i].IdempotencyKey) == "" {
			return usagedomain.InsertResult{}, usagedomain.ErrInvalidEventBatch
		}
		keys = append(keys, events[i].IdempotencyKey)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		CreateInBatches(events, durableSubBatch).Error
	if err != nil {
		return usagedomain.InsertResult{}, err
	}

	type storedRow struct {
		ID             uuid.UUID `gorm:"column:id"`
		IdempotencyKey string    `gorm:"column:idempotency_key"`
	}
	var stored []storedRow
	if err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Select("id", "idempotency_key").
		Where("idempotency_key IN ?", keys).
		Find(&stored).Error; err != nil {
		return usagedomain.InsertResult{}, err
	}

	storedByKey := make(map[string]uuid.UUID, len(stored))
	for _, row := range stored {
		storedByKey[row.IdempotencyKey] = row.ID
	}

	result := usagedomain.InsertResult{}
	for i := range events {
		if storedByKey[events[i].IdempotencyKey] == events[i].ID {
			result.InsertedIDs = append(result.InsertedIDs, events[i].ID)
		} else {
			result.SkippedKeys = append(result.SkippedKeys, events[i].IdempotencyKey)
		}
	}
	return result, nil
}

func (s *Service) Rollup(ctx context.Context, orgID, projectID uuid.UUID, metricName, unit string, month, year int) (*usagedomain.UsageAggregate, error) {
	if month < 1 || month > 12 || year < 2020 {
		return nil, usagedomain.ErrInvalidBillingPeriod
	}

	totals, err := s.SumEvents(ctx, orgID, projectID, metricName, unit, month, year)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	aggregate := usagedomain.UsageAggregate{
		ID:         uuid.New(),
		OrgID:      orgID,
		ProjectID:  projectID,
		MetricName: metricName,
		Unit:       unit,
		Month:      month,
		Year:       year,
		TotalValue: totals.TotalValue,
		EventCount: totals.EventCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"}, {Name: "project_id"}, {Name: "metric_name"},
				{Name: "unit"}, {Name: "month"}, {Name: "year"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"total_value": totals.TotalValue,
				"event_count": totals.EventCount,
				"updated_at":  now,
			}),
		}).
		Create(&aggregate).Error
	if err != nil {
		return nil, err
	}

	var current usagedomain.UsageAggregate
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND project_id = ? AND metric_name = ? AND unit = ? AND month = ? AND year = ?",
			orgID, projectID, metricName, unit, month, year).
		First(&current).Error
	if err != nil {
		return nil, err
	}
	return &current, nil
}

func (s *Service) RollupMonth(ctx context.Context, month, year int) (int, error) {
	if month < 1 || month > 12 || year < 2020 {
		return 0, usagedomain.ErrInvalidBillingPeriod
	}
	start, end := usagedomain.MonthWindow(month, year)

	var keys []usagedomain.RollupKey
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id, project_id, metric_name, unit
		 FROM usage_events
		 WHERE recorded_at >= ? AND recorded_at < ?`,
		start, end,
	).Scan(&keys).Error
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		if _, err := s.Rollup(ctx, key.OrgID, key.ProjectID, key.MetricName, key.Unit, month, year); err != nil {
			return 0, err
		}
	}

	if len(keys) > 0 {
		s.log.Info("monthly usage rollup complete",
			zap.Int("month", month),
			zap.Int("year", year),
			zap.Int("aggregates", len(keys)),
		)
	}
	return len(keys), nil
}

func (s *Service) AggregatesFor(ctx context.Context, orgID uuid.UUID, month, year int) ([]usagedomain.UsageAggregate, error) {
	if orgID == uuid.Nil {
		return nil, usagedomain.ErrInvalidOrganization
	}
	var aggregates []usagedomain.UsageAggregate
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND month = ? AND year = ?", orgID, month, year).
		Order("metric_name ASC, unit ASC, project_id ASC").
		Find(&aggregates).Error
	if err != nil {
		return nil, err
	}
	return aggregates, nil
}

func (s *Service) DailyCounts(ctx context.Context, day time.Time) ([]usagedomain.DailyCount, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	var counts []usagedomain.DailyCount
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id, project_id, metric_name, COUNT(1) AS count
		 FROM usage_events
		 WHERE recorded_at >= ? AND recorded_at < ?
		 GROUP BY org_id, project_id, metric_name`,
		start, end,
	).Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Service) ListAggregates(ctx context.Context, month, year int) ([]usagedomain.UsageAggregate, error) {
	var aggregates []usagedomain.UsageAggregate
	err := s.db.WithContext(ctx).
		Where("month = ? AND year = ?", month, year).
		Find(&aggregates).Error
	if err != nil {
		return nil, err
	}
	return aggregates, nil
}

func (s *Service) SumEvents(ctx context.Context, orgID, projectID uuid.UUID, metricName, unit string, month, year int) (usagedomain.EventTotals, error) {
	start, end := usagedomain.MonthWindow(month, year)

	var totals usagedomain.EventTotals
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(metric_value), 0) AS total_value, COUNT(1) AS event_count
		 FROM usage_events
		 WHERE org_id = ? AND project_id = ? AND metric_name = ? AND unit = ?
		   AND recorded_at >= ? AND recorded_at < ?`,
		orgID, projectID, metricName, unit, start, end,
	).Scan(&totals).Error
	if err != nil {
		return usagedomain.EventTotals{}, err
	}
	if totals.TotalValue.IsZero() {
		totals.TotalValue = decimal.Zero
	}
	return totals, nil
}
