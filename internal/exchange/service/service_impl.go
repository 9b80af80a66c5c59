package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	"github.com/meterbill/meterbill/internal/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Operational *config.OperationalConfigHolder `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	operational *config.OperationalConfigHolder
}

func New(p ServiceParam) exchangedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("exchange.service"),
		clock:       p.Clock,
		operational: p.Operational,
	}
}

func (s *Service) Rate(ctx context.Context, from, to string, at time.Time) (money.Amount, error) {
	from = normalizeCurrency(from)
	to = normalizeCurrency(to)
	if from == "" || to == "" {
		return money.Amount{}, exchangedomain.ErrInvalidCurrency
	}
	if from == to {
		return money.One, nil
	}

	direct, err := s.findRate(ctx, from, to, at)
	if err != nil {
		return money.Amount{}, err
	}
	if direct != nil {
		return direct.Rate, nil
	}

	// No direct row: the inverse pair serves as 1/rate.
	inverse, err := s.findRate(ctx, to, from, at)
	if err != nil {
		return money.Amount{}, err
	}
	if inverse != nil {
		if !inverse.Rate.IsPositive() {
			return money.Amount{}, exchangedomain.ErrInvalidRate
		}
		return money.One.DivRound(inverse.Rate, money.ScaleRate), nil
	}

	return money.Amount{}, exchangedomain.ErrRateNotFound
}

func (s *Service) Convert(ctx context.Context, amount money.Amount, from, to string, at time.Time) (money.Amount, error) {
	rate, err := s.Rate(ctx, from, to, at)
	if err != nil {
		return money.Amount{}, err
	}
	return amount.Mul(rate), nil
}

// findRate picks the row whose [effective_from, effective_to) window
// contains the instant, preferring the most recent effective_from.
func (s *Service) findRate(ctx context.Context, base, target string, at time.Time) (*exchangedomain.ExchangeRate, error) {
	var rate exchangedomain.ExchangeRate
	err := s.db.WithContext(ctx).
		Where("base_currency = ? AND target_currency = ?", base, target).
		Where("effective_from <= ?", at.UTC()).
		Where("effective_to IS NULL OR effective_to > ?", at.UTC()).
		Order("effective_from DESC").
		First(&rate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rate, nil
}

func (s *Service) SyncPinnedRates(ctx context.Context) (int, error) {
	if s.operational == nil {
		return 0, nil
	}

	pinned := s.operational.Get().PinnedRates
	if len(pinned) == 0 {
		return 0, nil
	}

	now := s.clock.Now()
	written := 0
	for _, entry := range pinned {
		base := normalizeCurrency(entry.Base)
		target := normalizeCurrency(entry.Target)
		rate, err := money.Parse(strings.TrimSpace(entry.Rate))
		if err != nil || !rate.IsPositive() || base == "" || target == "" || base == target {
			s.log.Warn("skipping malformed pinned rate",
				zap.String("base", entry.Base),
				zap.String("target", entry.Target),
				zap.String("rate", entry.Rate),
			)
			continue
		}

		changed, err := s.publishRate(ctx, base, target, rate.Round(money.ScaleRate), now)
		if err != nil {
			return written, err
		}
		if changed {
			written++
		}
	}

	if written > 0 {
		s.log.Info("pinned exchange rates synced", zap.Int("written", written))
	}
	return written, nil
}

// publishRate closes the active row for the pair and inserts a new one,
// all in one transaction. Unchanged rates are left alone so replays of
// the daily job are no-ops.
func (s *Service) publishRate(ctx context.Context, base, target string, rate money.Amount, now time.Time) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active exchangedomain.ExchangeRate
		err := tx.Where("base_currency = ? AND target_currency = ? AND effective_to IS NULL", base, target).
			First(&active).Error
		switch {
		case err == nil:
			if active.Rate.Equal(rate) {
				return nil
			}
			if err := tx.Model(&exchangedomain.ExchangeRate{}).
				Where("id = ? AND effective_to IS NULL", active.ID).
				Update("effective_to", now).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First rate for the pair.
		default:
			return err
		}

		changed = true
		return tx.Create(&exchangedomain.ExchangeRate{
			ID:             uuid.New(),
			BaseCurrency:   base,
			TargetCurrency: target,
			Rate:           rate,
			EffectiveFrom:  now,
			CreatedAt:      now,
		}).Error
	})
	return changed, err
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
