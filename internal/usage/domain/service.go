package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IngestRequest is the ingestion payload after authentication. Org and
// project come from the resolved API key, never from the body.
type IngestRequest struct {
	OrgID          uuid.UUID
	ProjectID      uuid.UUID
	EventID        string
	MetricName     string
	MetricValue    decimal.Decimal
	Unit           string
	RecordedAt     time.Time
	IdempotencyKey string
	Metadata       map[string]any
}

// IngestResult reports the accepted event. Duplicate means the
// idempotency key had already been seen and no new row was written.
type IngestResult struct {
	EventID   uuid.UUID
	Duplicate bool
}

// InsertResult partitions a durable batch insert. InsertedIDs is the
// authoritative set of rows this call created; SkippedKeys are
// idempotency keys the store already held.
type InsertResult struct {
	InsertedIDs []uuid.UUID
	SkippedKeys []string
}

type Service interface {
	// Ingest validates and appends one event to the hot store.
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)

	// InsertEvents copies a batch into the durable store, skipping rows
	// whose idempotency key is already present.
	InsertEvents(ctx context.Context, events []UsageEvent) (InsertResult, error)

	// Rollup recomputes the monthly aggregate for one key and upserts
	// the single matching row. Re-running produces identical values.
	Rollup(ctx context.Context, orgID, projectID uuid.UUID, metricName, unit string, month, year int) (*UsageAggregate, error)
	// RollupMonth rolls up every key that has events in the month.
	RollupMonth(ctx context.Context, month, year int) (int, error)

	// AggregatesFor returns the stored aggregates feeding an invoice run.
	AggregatesFor(ctx context.Context, orgID uuid.UUID, month, year int) ([]UsageAggregate, error)

	// Read side for reconciliation.
	DailyCounts(ctx context.Context, day time.Time) ([]DailyCount, error)
	ListAggregates(ctx context.Context, month, year int) ([]UsageAggregate, error)
	SumEvents(ctx context.Context, orgID, projectID uuid.UUID, metricName, unit string, month, year int) (EventTotals, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidProject        = errors.New("invalid_project")
	ErrInvalidMetricName     = errors.New("invalid_metric_name")
	ErrInvalidMetricValue    = errors.New("invalid_metric_value")
	ErrInvalidUnit           = errors.New("invalid_unit")
	ErrInvalidTimestamp      = errors.New("invalid_timestamp")
	ErrInvalidBillingPeriod  = errors.New("invalid_billing_period")
	ErrInvalidEventBatch     = errors.New("invalid_event_batch")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
)
