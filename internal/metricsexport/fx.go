package metricsexport

import (
	"context"
	"time"

	"github.com/meterbill/meterbill/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 30 * time.Minute

var Module = fx.Module("metrics.export",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register wires the process-wide recorder and starts the periodic
// push loop. A nil pusher leaves the no-op recorder in place.
func Register(lc fx.Lifecycle, cfg config.Config, registry *prometheus.Registry, pusher Pusher, logger *zap.Logger, db *gorm.DB) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pusher == nil {
		return
	}

	rec := &recorder{collectors: newCollectors(registry)}
	setRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics export worker")
			go func() {
				ticker := time.NewTicker(pushInterval)
				defer ticker.Stop()

				pushOnce(ctx, rec, pusher, registry, db, logger)
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, rec, pusher, registry, db, logger)
					case <-ctx.Done():
						logger.Info("stopping metrics export worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func pushOnce(ctx context.Context, rec Recorder, pusher Pusher, registry *prometheus.Registry, db *gorm.DB, logger *zap.Logger) {
	updateHotBacklog(ctx, rec, db)

	pushCtx, pushCancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer pushCancel()
	if err := pusher.Push(pushCtx, registry); err != nil {
		logger.Warn("metrics export push failed", zap.Error(err))
	}
}

func updateHotBacklog(ctx context.Context, rec Recorder, db *gorm.DB) {
	if db == nil {
		return
	}
	var count int64
	err := db.WithContext(ctx).
		Table("hot_usage_events").
		Where("processed_at IS NULL").
		Count(&count).Error
	if err != nil {
		return
	}
	rec.SetHotBacklog(count)
}
