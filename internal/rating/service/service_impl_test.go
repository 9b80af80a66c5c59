package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	ratingdomain "github.com/meterbill/meterbill/internal/rating/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOrg     = uuid.MustParse("0b86ac43-5b23-4a1f-9720-0f2b4f1e8f11")
	testProject = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
)

func aggregate(metric, unit, total string, month, year int) usagedomain.UsageAggregate {
	return usagedomain.UsageAggregate{
		ID:         uuid.New(),
		OrgID:      testOrg,
		ProjectID:  testProject,
		MetricName: metric,
		Unit:       unit,
		Month:      month,
		Year:       year,
		TotalValue: decimal.RequireFromString(total),
		EventCount: 1,
	}
}

func globalRule(metric, unit, price, currency string, from time.Time, to *time.Time) pricingdomain.PricingRule {
	return pricingdomain.PricingRule{
		ID:            uuid.New(),
		MetricName:    metric,
		Unit:          unit,
		PricePerUnit:  money.MustParse(price),
		Currency:      currency,
		EffectiveFrom: from,
		EffectiveTo:   to,
		Active:        true,
	}
}

func orgRule(org uuid.UUID, metric, unit, price, currency string, from time.Time) pricingdomain.PricingRule {
	rule := globalRule(metric, unit, price, currency, from, nil)
	rule.OrgID = &org
	return rule
}

func baseConfig(currency, taxRate string) pricingdomain.BillingConfig {
	return pricingdomain.BillingConfig{
		ID:               uuid.New(),
		OrgID:            testOrg,
		Currency:         currency,
		TaxRate:          money.MustParse(taxRate),
		Cycle:            pricingdomain.CycleMonthly,
		PaymentTermsDays: 30,
	}
}

func TestCalculateSingleMetricInvoice(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("api_calls", "count", "1000", 1, 2024)},
		PricingRules:  []pricingdomain.PricingRule{globalRule("api_calls", "count", "0.001", "INR", from, nil)},
		BillingConfig: baseConfig("INR", "0.18"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	require.Len(t, out.LineItems, 1)
	line := out.LineItems[0]
	assert.Equal(t, "1000", line.Quantity.String())
	assert.Equal(t, "0.001", line.UnitPrice.String())
	assert.Equal(t, "1.00", line.Total.StringFixed(2))

	assert.Equal(t, "1.00", out.Subtotal.StringFixed(2))
	assert.Equal(t, "1.00", out.SubtotalEffective.StringFixed(2))
	assert.Equal(t, "0.18", out.Tax.StringFixed(2))
	assert.Equal(t, "1.18", out.Total.StringFixed(2))
	assert.Empty(t, out.UnpricedAggregates)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), out.BillingPeriodStart)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999000000, time.UTC), out.BillingPeriodEnd)
	assert.Equal(t, out.BillingPeriodEnd.AddDate(0, 0, 30), out.DueDate)
}

func TestCalculateMinimumChargeTopUp(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := baseConfig("INR", "0")
	cfg.MinChargeEnabled = true
	minAmount := money.MustParse("10.00")
	cfg.MinChargeAmount = &minAmount

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("api_calls", "count", "3000", 1, 2024)},
		PricingRules:  []pricingdomain.PricingRule{globalRule("api_calls", "count", "0.001", "INR", from, nil)},
		BillingConfig: cfg,
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	require.Len(t, out.LineItems, 2)
	topUp := out.LineItems[1]
	assert.Equal(t, ratingdomain.MinimumChargeDescription, topUp.Description)
	assert.Equal(t, "7.00", topUp.Total.StringFixed(2))

	assert.Equal(t, "3.00", out.Subtotal.StringFixed(2))
	assert.Equal(t, "10.00", out.SubtotalEffective.StringFixed(2))
	assert.Equal(t, "0.00", out.Tax.StringFixed(2))
	assert.Equal(t, "10.00", out.Total.StringFixed(2))
}

func TestCalculateMinimumEqualSubtotalAddsNothing(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := baseConfig("INR", "0")
	cfg.MinChargeEnabled = true
	minAmount := money.MustParse("3.00")
	cfg.MinChargeAmount = &minAmount

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("api_calls", "count", "3000", 1, 2024)},
		PricingRules:  []pricingdomain.PricingRule{globalRule("api_calls", "count", "0.001", "INR", from, nil)},
		BillingConfig: cfg,
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	assert.Len(t, out.LineItems, 1)
	assert.Equal(t, "3.00", out.SubtotalEffective.StringFixed(2))
}

func TestCalculateMinimumRuleShadowsConfigAmount(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := baseConfig("INR", "0")
	cfg.MinChargeEnabled = true
	minAmount := money.MustParse("5.00")
	cfg.MinChargeAmount = &minAmount

	org := testOrg
	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:        testOrg,
		Aggregates:   []usagedomain.UsageAggregate{aggregate("api_calls", "count", "1000", 1, 2024)},
		PricingRules: []pricingdomain.PricingRule{globalRule("api_calls", "count", "0.001", "INR", from, nil)},
		MinimumRules: []pricingdomain.MinimumChargeRule{{
			ID:            uuid.New(),
			OrgID:         &org,
			Amount:        money.MustParse("20.00"),
			Currency:      "INR",
			EffectiveFrom: from,
			Active:        true,
		}},
		BillingConfig: cfg,
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	assert.Equal(t, "20.00", out.SubtotalEffective.StringFixed(2))
	assert.Equal(t, "20.00", out.Total.StringFixed(2))
}

func TestCalculateOrgRuleShadowsGlobal(t *testing.T) {
	calc := New()
	early := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:      testOrg,
		Aggregates: []usagedomain.UsageAggregate{aggregate("api_calls", "count", "100", 1, 2024)},
		PricingRules: []pricingdomain.PricingRule{
			// The global rule is newer, but the org rule still wins.
			globalRule("api_calls", "count", "0.002", "INR", late, nil),
			orgRule(testOrg, "api_calls", "count", "0.001", "INR", early),
		},
		BillingConfig: baseConfig("INR", "0"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	require.Len(t, out.LineItems, 1)
	assert.Equal(t, "0.001", out.LineItems[0].UnitPrice.String())
}

func TestCalculateMostRecentEffectiveFromBreaksTies(t *testing.T) {
	calc := New()
	early := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:      testOrg,
		Aggregates: []usagedomain.UsageAggregate{aggregate("api_calls", "count", "100", 1, 2024)},
		PricingRules: []pricingdomain.PricingRule{
			globalRule("api_calls", "count", "0.001", "INR", early, nil),
			globalRule("api_calls", "count", "0.002", "INR", late, nil),
		},
		BillingConfig: baseConfig("INR", "0"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	require.Len(t, out.LineItems, 1)
	assert.Equal(t, "0.002", out.LineItems[0].UnitPrice.String())
}

func TestCalculateEffectiveWindowBoundaries(t *testing.T) {
	calc := New()
	periodStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// effective_to exactly at period start excludes the rule.
	expired := globalRule("api_calls", "count", "0.005", "INR",
		periodStart.AddDate(-1, 0, 0), &periodStart)
	// effective_from exactly at period start includes it.
	current := globalRule("api_calls", "count", "0.001", "INR", periodStart, nil)

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("api_calls", "count", "100", 1, 2024)},
		PricingRules:  []pricingdomain.PricingRule{expired, current},
		BillingConfig: baseConfig("INR", "0"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	require.Len(t, out.LineItems, 1)
	assert.Equal(t, "0.001", out.LineItems[0].UnitPrice.String())
}

func TestCalculateReportsUnpricedAggregates(t *testing.T) {
	calc := New()

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("storage_gb", "gb", "50", 1, 2024)},
		BillingConfig: baseConfig("INR", "0.18"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	assert.Empty(t, out.LineItems)
	require.Len(t, out.UnpricedAggregates, 1)
	assert.Equal(t, "storage_gb", out.UnpricedAggregates[0].MetricName)
	assert.Equal(t, "0.00", out.Total.StringFixed(2))
}

func TestCalculateRefusesForeignCurrencyRule(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := calc.Calculate(ratingdomain.Input{
		OrgID:         testOrg,
		Aggregates:    []usagedomain.UsageAggregate{aggregate("api_calls", "count", "100", 1, 2024)},
		PricingRules:  []pricingdomain.PricingRule{globalRule("api_calls", "count", "0.001", "USD", from, nil)},
		BillingConfig: baseConfig("INR", "0"),
		Month:         1,
		Year:          2024,
	})
	assert.ErrorIs(t, err, ratingdomain.ErrCurrencyMismatch)
}

func TestCalculateLineTotalsMatchQuantityTimesPrice(t *testing.T) {
	calc := New()
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := calc.Calculate(ratingdomain.Input{
		OrgID: testOrg,
		Aggregates: []usagedomain.UsageAggregate{
			aggregate("api_calls", "count", "123457", 1, 2024),
			aggregate("compute_ms", "ms", "999999", 1, 2024),
		},
		PricingRules: []pricingdomain.PricingRule{
			globalRule("api_calls", "count", "0.00012345", "INR", from, nil),
			globalRule("compute_ms", "ms", "0.00000055", "INR", from, nil),
		},
		BillingConfig: baseConfig("INR", "0.18"),
		Month:         1,
		Year:          2024,
	})
	require.NoError(t, err)

	sum := money.Zero()
	for _, line := range out.LineItems {
		assert.True(t, line.Total.WithinCent(line.Quantity.Mul(line.UnitPrice).Settle()))
		sum = sum.Add(line.Total)
	}
	assert.True(t, sum.WithinCent(out.SubtotalEffective))
	assert.True(t, out.Total.WithinCent(out.SubtotalEffective.Add(out.Tax).Sub(out.Discount)))
}
