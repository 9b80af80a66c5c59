package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() pricingdomain.Repository {
	return &repo{}
}

func (r *repo) InsertRule(ctx context.Context, db *gorm.DB, rule *pricingdomain.PricingRule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) SetRuleActive(ctx context.Context, db *gorm.DB, id uuid.UUID, active bool, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE pricing_rules SET active = ?, updated_at = ? WHERE id = ?`,
		active, at, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pricingdomain.ErrRuleNotFound
	}
	return nil
}

func (r *repo) ListRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID) ([]pricingdomain.PricingRule, error) {
	var rules []pricingdomain.PricingRule
	err := db.WithContext(ctx).
		Where("org_id = ? OR org_id IS NULL", orgID).
		Order("effective_from DESC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) ListEffectiveRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID, at time.Time) ([]pricingdomain.PricingRule, error) {
	var rules []pricingdomain.PricingRule
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Where("org_id = ? OR org_id IS NULL", orgID).
		Where("effective_from <= ?", at).
		Where("effective_to IS NULL OR effective_to > ?", at).
		Order("effective_from DESC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) CountOverlappingRules(ctx context.Context, db *gorm.DB, rule *pricingdomain.PricingRule) (int64, error) {
	q := db.WithContext(ctx).Model(&pricingdomain.PricingRule{}).
		Where("active = ?", true).
		Where("metric_name = ? AND unit = ?", rule.MetricName, rule.Unit)
	if rule.OrgID == nil {
		q = q.Where("org_id IS NULL")
	} else {
		q = q.Where("org_id = ?", *rule.OrgID)
	}
	// Half-open windows overlap when each starts before the other ends.
	q = q.Where("effective_to IS NULL OR effective_to > ?", rule.EffectiveFrom)
	if rule.EffectiveTo != nil {
		q = q.Where("effective_from < ?", *rule.EffectiveTo)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) InsertMinimumRule(ctx context.Context, db *gorm.DB, rule *pricingdomain.MinimumChargeRule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) ListEffectiveMinimumRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID, at time.Time) ([]pricingdomain.MinimumChargeRule, error) {
	var rules []pricingdomain.MinimumChargeRule
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Where("org_id = ? OR org_id IS NULL", orgID).
		Where("effective_from <= ?", at).
		Where("effective_to IS NULL OR effective_to > ?", at).
		Order("effective_from DESC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) UpsertConfig(ctx context.Context, db *gorm.DB, cfg *pricingdomain.BillingConfig) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"currency", "tax_rate", "cycle", "payment_terms_days",
			"min_charge_enabled", "min_charge_amount", "updated_at",
		}),
	}).Create(cfg).Error
}

func (r *repo) FindConfig(ctx context.Context, db *gorm.DB, orgID uuid.UUID) (*pricingdomain.BillingConfig, error) {
	var cfg pricingdomain.BillingConfig
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}
