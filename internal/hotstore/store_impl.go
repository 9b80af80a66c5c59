package hotstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/hotstore/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) domain.Store {
	return &store{db: db}
}

func (s *store) Put(ctx context.Context, event *domain.HotUsageEvent) (bool, error) {
	if event == nil || strings.TrimSpace(event.IdempotencyKey) == "" {
		return false, domain.ErrInvalidEvent
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *store) FetchUnprocessed(ctx context.Context, limit int) ([]domain.HotUsageEvent, error) {
	if limit <= 0 {
		return nil, domain.ErrInvalidLimit
	}

	var events []domain.HotUsageEvent
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("ingested_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *store) MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&domain.HotUsageEvent{}).
		Where("id IN ?", ids).
		Update("processed_at", at.UTC()).Error
}

func (s *store) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", before.UTC()).
		Delete(&domain.HotUsageEvent{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *store) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.HotUsageEvent{}).
		Where("processed_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *store) CountsForDay(ctx context.Context, day time.Time) ([]domain.DailyCount, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	var counts []domain.DailyCount
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id, project_id, metric_name, COUNT(1) AS count
		 FROM hot_usage_events
		 WHERE recorded_at >= ? AND recorded_at < ?
		 GROUP BY org_id, project_id, metric_name`,
		start, end,
	).Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
