package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store is the hot event buffer. Put is idempotent on idempotency_key;
// delivery to the migration worker is at-least-once, the durable store's
// key uniqueness makes the pipeline at-most-once overall.
type Store interface {
	// Put inserts the event. A repeated idempotency key is a silent
	// no-op; inserted reports whether this call created the row.
	Put(ctx context.Context, event *HotUsageEvent) (inserted bool, err error)
	FetchUnprocessed(ctx context.Context, limit int) ([]HotUsageEvent, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// Purge deletes rows marked processed before the cutoff. In-flight
	// rows (processed_at NULL) are never touched.
	Purge(ctx context.Context, before time.Time) (int64, error)
	CountUnprocessed(ctx context.Context) (int64, error)
	// CountsForDay buckets events whose recorded_at falls on the given
	// UTC day, for reconciliation against the durable store.
	CountsForDay(ctx context.Context, day time.Time) ([]DailyCount, error)
}

var (
	ErrInvalidEvent = errors.New("invalid_hot_event")
	ErrInvalidLimit = errors.New("invalid_fetch_limit")
)
