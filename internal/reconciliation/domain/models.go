// Package domain contains reconciliation run records.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	StatusReconciled  RunStatus = "reconciled"
	StatusDiscrepancy RunStatus = "discrepancy"
	StatusError       RunStatus = "error"
)

// Source pairs compared by the three loops.
const (
	SourceHotDurable      = "hot_durable"
	SourceAggregateEvents = "aggregate_events"
	SourceLocalGateway    = "local_gateway"
)

// ReconciliationRun is one comparison outcome. Re-running a day
// overwrites the same (source_pair, scope, run_date) row.
type ReconciliationRun struct {
	ID          uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	SourcePair  string            `json:"source_pair" gorm:"type:text;not null;uniqueIndex:ux_reconciliation_runs_scope"`
	Scope       string            `json:"scope" gorm:"type:text;not null;uniqueIndex:ux_reconciliation_runs_scope"`
	RunDate     time.Time         `json:"run_date" gorm:"not null;uniqueIndex:ux_reconciliation_runs_scope"`
	LeftCount   int64             `json:"left_count" gorm:"not null"`
	RightCount  int64             `json:"right_count" gorm:"not null"`
	Status      RunStatus         `json:"status" gorm:"type:text;not null"`
	Details     datatypes.JSONMap `json:"details,omitempty" gorm:"type:jsonb"`
	CompletedAt time.Time         `json:"completed_at" gorm:"not null"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReconciliationRun) TableName() string { return "reconciliation_runs" }
