package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// HotUsageEvent is the write-optimized buffer row for ingested usage.
// Rows stay until the migration worker copies them into the durable
// store and the retention purge removes them.
type HotUsageEvent struct {
	ID             uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID          uuid.UUID         `json:"org_id" gorm:"type:uuid;not null;index"`
	ProjectID      uuid.UUID         `json:"project_id" gorm:"type:uuid;not null"`
	IdempotencyKey string            `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_hot_usage_events_idempotency_key"`
	MetricName     string            `json:"metric_name" gorm:"type:text;not null"`
	MetricValue    decimal.Decimal   `json:"metric_value" gorm:"type:numeric(30,10);not null"`
	Unit           string            `json:"unit" gorm:"type:text;not null"`
	RecordedAt     time.Time         `json:"recorded_at" gorm:"not null"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	IngestedAt     time.Time         `json:"ingested_at" gorm:"not null;index"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty" gorm:"index"`
}

func (HotUsageEvent) TableName() string { return "hot_usage_events" }

// DailyCount is one reconciliation bucket: events recorded on a single
// day for one (org, project, metric).
type DailyCount struct {
	OrgID      uuid.UUID `gorm:"column:org_id"`
	ProjectID  uuid.UUID `gorm:"column:project_id"`
	MetricName string    `gorm:"column:metric_name"`
	Count      int64     `gorm:"column:count"`
}
