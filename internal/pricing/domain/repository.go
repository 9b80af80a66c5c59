package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository interface {
	InsertRule(ctx context.Context, db *gorm.DB, rule *PricingRule) error
	SetRuleActive(ctx context.Context, db *gorm.DB, id uuid.UUID, active bool, at time.Time) error
	ListRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID) ([]PricingRule, error)
	// ListEffectiveRules returns active rules visible to the org (its own
	// plus global) whose [effective_from, effective_to) window contains at.
	ListEffectiveRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID, at time.Time) ([]PricingRule, error)
	CountOverlappingRules(ctx context.Context, db *gorm.DB, rule *PricingRule) (int64, error)

	InsertMinimumRule(ctx context.Context, db *gorm.DB, rule *MinimumChargeRule) error
	ListEffectiveMinimumRules(ctx context.Context, db *gorm.DB, orgID uuid.UUID, at time.Time) ([]MinimumChargeRule, error)

	UpsertConfig(ctx context.Context, db *gorm.DB, cfg *BillingConfig) error
	FindConfig(ctx context.Context, db *gorm.DB, orgID uuid.UUID) (*BillingConfig, error)
}
