package service

import (
	"sort"
	"time"

	"github.com/meterbill/meterbill/internal/money"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	ratingdomain "github.com/meterbill/meterbill/internal/rating/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
)

type Calculator struct{}

func New() ratingdomain.Calculator {
	return &Calculator{}
}

// Calculate prices one billing period from aggregates and rules.
// Aggregates with no applicable rule are dropped into
// UnpricedAggregates for the caller to report.
func (c *Calculator) Calculate(input ratingdomain.Input) (*ratingdomain.CalculatedInvoice, error) {
	if input.Month < 1 || input.Month > 12 || input.Year < 2020 {
		return nil, ratingdomain.ErrInvalidPeriod
	}
	if input.BillingConfig.Currency == "" || input.BillingConfig.TaxRate.IsNegative() {
		return nil, ratingdomain.ErrInvalidConfig
	}

	periodStart, nextPeriod := usagedomain.MonthWindow(input.Month, input.Year)
	periodEnd := nextPeriod.Add(-time.Millisecond)
	currency := input.BillingConfig.Currency

	out := &ratingdomain.CalculatedInvoice{
		OrgID:              input.OrgID,
		Month:              input.Month,
		Year:               input.Year,
		Currency:           currency,
		BillingPeriodStart: periodStart,
		BillingPeriodEnd:   periodEnd,
		Discount:           money.Zero(),
	}

	subtotal := money.Zero()
	for i := range input.Aggregates {
		aggregate := input.Aggregates[i]
		rule := resolvePricingRule(input.PricingRules, aggregate, periodStart)
		if rule == nil {
			out.UnpricedAggregates = append(out.UnpricedAggregates, aggregate)
			continue
		}
		if rule.Currency != currency {
			return nil, ratingdomain.ErrCurrencyMismatch
		}

		quantity := money.FromDecimal(aggregate.TotalValue)
		total := quantity.Mul(rule.PricePerUnit).Settle()
		projectID := aggregate.ProjectID
		out.LineItems = append(out.LineItems, ratingdomain.CalculatedLineItem{
			ProjectID:   &projectID,
			Description: aggregate.MetricName + " usage",
			MetricName:  aggregate.MetricName,
			Quantity:    quantity,
			Unit:        aggregate.Unit,
			UnitPrice:   rule.PricePerUnit,
			Total:       total,
			Currency:    currency,
		})
		subtotal = subtotal.Add(total)
	}

	out.Subtotal = subtotal.Settle()
	out.SubtotalEffective = out.Subtotal

	if input.BillingConfig.MinChargeEnabled {
		minimum := resolveMinimumCharge(input.MinimumRules, input.BillingConfig, periodStart)
		if minimum != nil && out.Subtotal.LessThan(*minimum) {
			deficit := minimum.Sub(out.Subtotal).Settle()
			out.LineItems = append(out.LineItems, ratingdomain.CalculatedLineItem{
				Description: ratingdomain.MinimumChargeDescription,
				MetricName:  "minimum_charge",
				Quantity:    money.One,
				Unit:        "charge",
				UnitPrice:   deficit,
				Total:       deficit,
				Currency:    currency,
			})
			out.SubtotalEffective = minimum.Settle()
		}
	}

	out.Tax = out.SubtotalEffective.Mul(input.BillingConfig.TaxRate).Settle()
	out.Total = out.SubtotalEffective.Add(out.Tax).Sub(out.Discount).Settle()
	out.DueDate = periodEnd.AddDate(0, 0, paymentTermsDays(input.BillingConfig))

	return out, nil
}

func paymentTermsDays(cfg pricingdomain.BillingConfig) int {
	if cfg.PaymentTermsDays > 0 {
		return cfg.PaymentTermsDays
	}
	return 30
}

// resolvePricingRule picks the applicable rule for an aggregate: active,
// matching metric and unit, effective window containing the period
// start. Org-specific rules shadow global ones; ties break on the most
// recent effective_from. Sorting is explicit, row order is not trusted.
func resolvePricingRule(rules []pricingdomain.PricingRule, aggregate usagedomain.UsageAggregate, periodStart time.Time) *pricingdomain.PricingRule {
	var candidates []pricingdomain.PricingRule
	for i := range rules {
		rule := rules[i]
		if !rule.Active || rule.MetricName != aggregate.MetricName || rule.Unit != aggregate.Unit {
			continue
		}
		if !windowContains(rule.EffectiveFrom, rule.EffectiveTo, periodStart) {
			continue
		}
		if rule.OrgID != nil && *rule.OrgID != aggregate.OrgID {
			continue
		}
		candidates = append(candidates, rule)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iOrg := candidates[i].OrgID != nil
		jOrg := candidates[j].OrgID != nil
		if iOrg != jOrg {
			return iOrg
		}
		return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
	})
	return &candidates[0]
}

// resolveMinimumCharge resolves the floor with the same precedence as
// pricing rules, falling back to the config's min-charge amount.
func resolveMinimumCharge(rules []pricingdomain.MinimumChargeRule, cfg pricingdomain.BillingConfig, periodStart time.Time) *money.Amount {
	var candidates []pricingdomain.MinimumChargeRule
	for i := range rules {
		rule := rules[i]
		if !rule.Active || !windowContains(rule.EffectiveFrom, rule.EffectiveTo, periodStart) {
			continue
		}
		if rule.OrgID != nil && *rule.OrgID != cfg.OrgID {
			continue
		}
		candidates = append(candidates, rule)
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			iOrg := candidates[i].OrgID != nil
			jOrg := candidates[j].OrgID != nil
			if iOrg != jOrg {
				return iOrg
			}
			return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
		})
		amount := candidates[0].Amount
		return &amount
	}
	if cfg.MinChargeAmount != nil {
		amount := *cfg.MinChargeAmount
		return &amount
	}
	return nil
}

// windowContains reports whether at falls in [from, to). An effective_to
// equal to the instant excludes; an effective_from equal to it includes.
func windowContains(from time.Time, to *time.Time, at time.Time) bool {
	if at.Before(from) {
		return false
	}
	if to != nil && !at.Before(*to) {
		return false
	}
	return true
}
