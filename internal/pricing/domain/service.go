package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*RuleResponse, error)
	DeactivateRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, orgID string) ([]RuleResponse, error)
	CreateMinimumRule(ctx context.Context, req CreateMinimumRuleRequest) (*MinimumRuleResponse, error)
	UpsertConfig(ctx context.Context, req UpsertConfigRequest) (*ConfigResponse, error)

	// Read side for invoice generation. Entities, not DTOs: the rating
	// calculator consumes them as-is.
	EffectiveRules(ctx context.Context, orgID uuid.UUID, at time.Time) ([]PricingRule, error)
	EffectiveMinimumRules(ctx context.Context, orgID uuid.UUID, at time.Time) ([]MinimumChargeRule, error)
	// ConfigFor falls back to a synthesized default (org currency, zero
	// tax, monthly, 30-day terms) when the org has no stored config.
	ConfigFor(ctx context.Context, orgID uuid.UUID) (BillingConfig, error)
}

type CreateRuleRequest struct {
	OrgID         string         `json:"org_id,omitempty"`
	MetricName    string         `json:"metric_name"`
	Unit          string         `json:"unit"`
	PricePerUnit  string         `json:"price_per_unit"`
	Currency      string         `json:"currency"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type CreateMinimumRuleRequest struct {
	OrgID         string     `json:"org_id,omitempty"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Description   string     `json:"description,omitempty"`
}

type UpsertConfigRequest struct {
	OrgID            string  `json:"org_id"`
	Currency         string  `json:"currency"`
	TaxRate          string  `json:"tax_rate"`
	Cycle            string  `json:"cycle"`
	PaymentTermsDays int     `json:"payment_terms_days"`
	MinChargeEnabled bool    `json:"min_charge_enabled"`
	MinChargeAmount  *string `json:"min_charge_amount,omitempty"`
}

type RuleResponse struct {
	ID            string         `json:"id"`
	OrgID         *string        `json:"org_id,omitempty"`
	MetricName    string         `json:"metric_name"`
	Unit          string         `json:"unit"`
	PricePerUnit  string         `json:"price_per_unit"`
	Currency      string         `json:"currency"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
	Active        bool           `json:"active"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type MinimumRuleResponse struct {
	ID            string     `json:"id"`
	OrgID         *string    `json:"org_id,omitempty"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Active        bool       `json:"active"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ConfigResponse struct {
	OrgID            string  `json:"org_id"`
	Currency         string  `json:"currency"`
	TaxRate          string  `json:"tax_rate"`
	Cycle            string  `json:"cycle"`
	PaymentTermsDays int     `json:"payment_terms_days"`
	MinChargeEnabled bool    `json:"min_charge_enabled"`
	MinChargeAmount  *string `json:"min_charge_amount,omitempty"`
}

var (
	ErrInvalidMetric       = errors.New("invalid_metric")
	ErrInvalidUnit         = errors.New("invalid_unit")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidWindow       = errors.New("invalid_effective_window")
	ErrInvalidTaxRate      = errors.New("invalid_tax_rate")
	ErrInvalidCycle        = errors.New("invalid_billing_cycle")
	ErrInvalidTerms        = errors.New("invalid_payment_terms")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRule         = errors.New("invalid_pricing_rule")
	ErrRuleNotFound        = errors.New("pricing_rule_not_found")
	ErrRuleOverlap         = errors.New("pricing_rule_overlap")
)
