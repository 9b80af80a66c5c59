package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageEvent is the authoritative, durable copy of an ingested event.
// idempotency_key is globally unique; the migration worker relies on the
// conflict skip for at-most-once durable delivery.
type UsageEvent struct {
	ID             uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID          uuid.UUID         `json:"org_id" gorm:"type:uuid;not null;index:ix_usage_events_rollup"`
	ProjectID      uuid.UUID         `json:"project_id" gorm:"type:uuid;not null;index:ix_usage_events_rollup"`
	IdempotencyKey string            `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency_key"`
	MetricName     string            `json:"metric_name" gorm:"type:text;not null;index:ix_usage_events_rollup"`
	MetricValue    decimal.Decimal   `json:"metric_value" gorm:"type:numeric(30,10);not null"`
	Unit           string            `json:"unit" gorm:"type:text;not null"`
	RecordedAt     time.Time         `json:"recorded_at" gorm:"not null;index"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	IngestedAt     time.Time         `json:"ingested_at" gorm:"not null"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageAggregate is the materialized monthly rollup for one
// (org, project, metric, unit) key. Recomputing it is idempotent.
type UsageAggregate struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID      uuid.UUID       `json:"org_id" gorm:"type:uuid;not null;uniqueIndex:ux_usage_aggregates_key"`
	ProjectID  uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;uniqueIndex:ux_usage_aggregates_key"`
	MetricName string          `json:"metric_name" gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_key"`
	Unit       string          `json:"unit" gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_key"`
	Month      int             `json:"month" gorm:"not null;uniqueIndex:ux_usage_aggregates_key"`
	Year       int             `json:"year" gorm:"not null;uniqueIndex:ux_usage_aggregates_key"`
	TotalValue decimal.Decimal `json:"total_value" gorm:"type:numeric(30,10);not null"`
	EventCount int64           `json:"event_count" gorm:"not null"`
	CreatedAt  time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time       `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageAggregate) TableName() string { return "usage_aggregates" }

// DailyCount is one reconciliation bucket of durable events per
// (org, project, metric) recorded on a single UTC day.
type DailyCount struct {
	OrgID      uuid.UUID `gorm:"column:org_id"`
	ProjectID  uuid.UUID `gorm:"column:project_id"`
	MetricName string    `gorm:"column:metric_name"`
	Count      int64     `gorm:"column:count"`
}

// RollupKey identifies one aggregate bucket that has events in a month.
type RollupKey struct {
	OrgID      uuid.UUID `gorm:"column:org_id"`
	ProjectID  uuid.UUID `gorm:"column:project_id"`
	MetricName string    `gorm:"column:metric_name"`
	Unit       string    `gorm:"column:unit"`
}

// EventTotals is the recomputed sum a stored aggregate is checked against.
type EventTotals struct {
	TotalValue decimal.Decimal `gorm:"column:total_value"`
	EventCount int64           `gorm:"column:event_count"`
}

// MonthWindow returns the half-open UTC window [start of month, start of
// next month). The month's last instant is inside, the next month's first
// instant is not.
func MonthWindow(month, year int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
