package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	"gorm.io/datatypes"
)

type BillingCycle string

var (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// PricingRule maps (metric, unit) to a unit price inside its effective
// window. A nil OrgID makes the rule global; org rules shadow global ones.
// Active rules for the same (org, metric, unit) may not overlap in time.
type PricingRule struct {
	ID            uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID         *uuid.UUID        `json:"org_id,omitempty" gorm:"type:uuid;index"`
	MetricName    string            `json:"metric_name" gorm:"type:text;not null;index"`
	Unit          string            `json:"unit" gorm:"type:text;not null"`
	PricePerUnit  money.Amount      `json:"price_per_unit" gorm:"type:numeric(30,8);not null"`
	Currency      string            `json:"currency" gorm:"type:char(3);not null"`
	EffectiveFrom time.Time         `json:"effective_from" gorm:"not null"`
	EffectiveTo   *time.Time        `json:"effective_to,omitempty"`
	Active        bool              `json:"active" gorm:"not null;default:true"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// MinimumChargeRule floors a billing period's subtotal. Resolution follows
// pricing rules: org-specific shadows global, latest effective_from wins.
type MinimumChargeRule struct {
	ID            uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID         *uuid.UUID   `json:"org_id,omitempty" gorm:"type:uuid;index"`
	Amount        money.Amount `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency      string       `json:"currency" gorm:"type:char(3);not null"`
	EffectiveFrom time.Time    `json:"effective_from" gorm:"not null"`
	EffectiveTo   *time.Time   `json:"effective_to,omitempty"`
	Active        bool         `json:"active" gorm:"not null;default:true"`
	Description   string       `json:"description,omitempty" gorm:"type:text"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (MinimumChargeRule) TableName() string { return "minimum_charge_rules" }

// BillingConfig is the per-tenant billing policy. At most one row per org.
type BillingConfig struct {
	ID               uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID            uuid.UUID     `json:"org_id" gorm:"type:uuid;not null;uniqueIndex:ux_billing_configs_org"`
	Currency         string        `json:"currency" gorm:"type:char(3);not null"`
	TaxRate          money.Amount  `json:"tax_rate" gorm:"type:numeric(12,8);not null"`
	Cycle            BillingCycle  `json:"cycle" gorm:"type:text;not null;default:'monthly'"`
	PaymentTermsDays int           `json:"payment_terms_days" gorm:"not null;default:30"`
	MinChargeEnabled bool          `json:"min_charge_enabled" gorm:"not null;default:false"`
	MinChargeAmount  *money.Amount `json:"min_charge_amount,omitempty" gorm:"type:numeric(20,2)"`
	CreatedAt        time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingConfig) TableName() string { return "billing_configs" }
