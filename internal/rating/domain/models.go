// Package domain contains the rating calculator's input and output types.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
)

// MinimumChargeDescription labels the synthetic top-up line item.
const MinimumChargeDescription = "Minimum Monthly Charge"

// Input is everything the calculator needs for one billing period.
// Pricing rules must already be expressed in the billing currency;
// currency conversion happens before rating, not inside it.
type Input struct {
	OrgID         uuid.UUID
	Aggregates    []usagedomain.UsageAggregate
	PricingRules  []pricingdomain.PricingRule
	MinimumRules  []pricingdomain.MinimumChargeRule
	BillingConfig pricingdomain.BillingConfig
	Month         int
	Year          int
}

// CalculatedLineItem is one priced aggregate, or the synthetic minimum
// charge top-up.
type CalculatedLineItem struct {
	ProjectID   *uuid.UUID
	Description string
	MetricName  string
	Quantity    money.Amount
	Unit        string
	UnitPrice   money.Amount
	Total       money.Amount
	Currency    string
}

// CalculatedInvoice is the priced billing period before persistence.
// Subtotal is the raw sum of line totals; SubtotalEffective includes
// the minimum-charge top-up.
type CalculatedInvoice struct {
	OrgID              uuid.UUID
	Month              int
	Year               int
	Currency           string
	LineItems          []CalculatedLineItem
	Subtotal           money.Amount
	SubtotalEffective  money.Amount
	Tax                money.Amount
	Discount           money.Amount
	Total              money.Amount
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	DueDate            time.Time
	// UnpricedAggregates had no applicable pricing rule and were dropped
	// from the invoice. Callers must report them.
	UnpricedAggregates []usagedomain.UsageAggregate
}

// Calculator prices one billing period. Pure: no I/O, no clock, no
// logging.
type Calculator interface {
	Calculate(input Input) (*CalculatedInvoice, error)
}

var (
	ErrInvalidPeriod    = errors.New("invalid_billing_period")
	ErrInvalidConfig    = errors.New("invalid_billing_config")
	ErrCurrencyMismatch = errors.New("rule_currency_mismatch")
)
