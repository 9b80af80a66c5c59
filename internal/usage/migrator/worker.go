// Package migrator moves hot usage events into the durable store in
// bounded batches. Events whose idempotency key already exists durably
// are counted as skipped and their hot rows are marked processed rather
// than left pending: their data is proven durable, and leaving them
// unprocessed would pin the oldest-first fetch to the same rows on
// every run.
package migrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config shapes one migration run: at most MaxBatches fetches of
// BatchSize events each.
type Config struct {
	BatchSize  int
	MaxBatches int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 10
	}
	return c
}

// Stats reports one run's progress.
type Stats struct {
	Fetched  int
	Inserted int
	Skipped  int
	Batches  int
}

type WorkerParam struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	HotStore hotstoredomain.Store
	Usage    usagedomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Worker drains unprocessed hot-store events into the durable store.
// Only ids the durable store reports as inserted are marked processed;
// skipped ids stay unprocessed and are retried next run, which is safe
// because the skip proves the durable store already holds the key.
type Worker struct {
	cfg      Config
	log      *zap.Logger
	clock    clock.Clock
	hotstore hotstoredomain.Store
	usage    usagedomain.Service
	metrics  *obsmetrics.Metrics
}

func NewWorker(p WorkerParam) *Worker {
	return &Worker{
		cfg: Config{
			BatchSize:  p.Cfg.MigrationBatchSize,
			MaxBatches: p.Cfg.MigrationMaxBatches,
		}.withDefaults(),
		log:      p.Log.Named("usage.migrator"),
		clock:    p.Clock,
		hotstore: p.HotStore,
		usage:    p.Usage,
		metrics:  p.Metrics,
	}
}

// Run performs one bounded migration pass. Any insert error aborts the
// run; progress already committed stays committed and the untouched
// processed_at watermark makes the next run pick up where this one
// failed.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	stats := Stats{}

	for batch := 0; batch < w.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		events, err := w.hotstore.FetchUnprocessed(ctx, w.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("fetch unprocessed: %w", err)
		}
		if len(events) == 0 {
			break
		}
		stats.Batches++
		stats.Fetched += len(events)

		result, err := w.migrateBatch(ctx, events)
		if err != nil {
			return stats, err
		}

		stats.Inserted += len(result.InsertedIDs)
		stats.Skipped += len(result.SkippedKeys)

		if len(result.InsertedIDs) > 0 {
			if err := w.hotstore.MarkProcessed(ctx, result.InsertedIDs, w.clock.Now()); err != nil {
				return stats, fmt.Errorf("mark processed: %w", err)
			}
		}
		// Skipped keys already live in the durable store; mark their hot
		// rows processed too so they stop being refetched.
		if len(result.SkippedKeys) > 0 {
			skippedIDs := idsForKeys(events, result.SkippedKeys)
			if err := w.hotstore.MarkProcessed(ctx, skippedIDs, w.clock.Now()); err != nil {
				return stats, fmt.Errorf("mark skipped processed: %w", err)
			}
		}

		if len(events) < w.cfg.BatchSize {
			break
		}
	}

	if w.metrics != nil {
		w.metrics.RecordEventsMigrated(ctx, stats.Inserted)
	}
	if stats.Fetched > 0 {
		w.log.Info("migration run complete",
			zap.Int("fetched", stats.Fetched),
			zap.Int("inserted", stats.Inserted),
			zap.Int("skipped", stats.Skipped),
			zap.Int("batches", stats.Batches),
		)
	}
	return stats, nil
}

// migrateBatch inserts the fetched events, falling back to per-row
// inserts when the batch fails so the faulty row is identified.
func (w *Worker) migrateBatch(ctx context.Context, events []hotstoredomain.HotUsageEvent) (usagedomain.InsertResult, error) {
	durable := make([]usagedomain.UsageEvent, 0, len(events))
	for i := range events {
		durable = append(durable, toDurable(&events[i]))
	}

	result, err := w.usage.InsertEvents(ctx, durable)
	if err == nil {
		return result, nil
	}

	w.log.Warn("batch insert failed, retrying per row", zap.Error(err))
	combined := usagedomain.InsertResult{}
	for i := range durable {
		rowResult, rowErr := w.usage.InsertEvents(ctx, durable[i:i+1])
		if rowErr != nil {
			// Fail fast: surface the faulty row, keep prior progress.
			return combined, fmt.Errorf("insert event %s (key %s): %w",
				durable[i].ID, durable[i].IdempotencyKey, rowErr)
		}
		combined.InsertedIDs = append(combined.InsertedIDs, rowResult.InsertedIDs...)
		combined.SkippedKeys = append(combined.SkippedKeys, rowResult.SkippedKeys...)
	}
	return combined, nil
}

func toDurable(event *hotstoredomain.HotUsageEvent) usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		ID:             event.ID,
		OrgID:          event.OrgID,
		ProjectID:      event.ProjectID,
		IdempotencyKey: event.IdempotencyKey,
		MetricName:     event.MetricName,
		MetricValue:    event.MetricValue,
		Unit:           event.Unit,
		RecordedAt:     event.RecordedAt,
		Metadata:       event.Metadata,
		IngestedAt:     event.IngestedAt,
	}
}

func idsForKeys(events []hotstoredomain.HotUsageEvent, keys []string) []uuid.UUID {
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(keys))
	for i := range events {
		if _, ok := keySet[events[i].IdempotencyKey]; ok {
			ids = append(ids, events[i].ID)
		}
	}
	return ids
}
