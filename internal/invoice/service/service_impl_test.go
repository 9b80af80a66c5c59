package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	auditrepository "github.com/meterbill/meterbill/internal/audit/repository"
	auditservice "github.com/meterbill/meterbill/internal/audit/service"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	exchangeservice "github.com/meterbill/meterbill/internal/exchange/service"
	"github.com/meterbill/meterbill/internal/hotstore"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	idempotencyrepository "github.com/meterbill/meterbill/internal/idempotency/repository"
	idempotencyservice "github.com/meterbill/meterbill/internal/idempotency/service"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	"github.com/meterbill/meterbill/internal/money"
	organizationdomain "github.com/meterbill/meterbill/internal/organization/domain"
	organizationrepository "github.com/meterbill/meterbill/internal/organization/repository"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	pricingrepository "github.com/meterbill/meterbill/internal/pricing/repository"
	pricingservice "github.com/meterbill/meterbill/internal/pricing/service"
	ratingservice "github.com/meterbill/meterbill/internal/rating/service"
	referencerepository "github.com/meterbill/meterbill/internal/reference"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	usageservice "github.com/meterbill/meterbill/internal/usage/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceHarness struct {
	svc   invoicedomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func setupInvoice(t *testing.T) *invoiceHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&organizationdomain.Organization{},
		&hotstoredomain.HotUsageEvent{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
		&pricingdomain.PricingRule{},
		&pricingdomain.MinimumChargeRule{},
		&pricingdomain.BillingConfig{},
		&exchangedomain.ExchangeRate{},
		&idempotencydomain.IdempotencyKey{},
		&auditdomain.AuditLog{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
	))

	fake := clock.NewFakeClock(time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	usage := usageservice.New(usageservice.ServiceParam{
		DB:       db,
		Log:      log,
		Clock:    fake,
		HotStore: hotstore.NewStore(db),
	})
	pricing := pricingservice.New(pricingservice.Params{
		DB:      db,
		Log:     log,
		Clock:   fake,
		Config:  config.Config{DefaultCurrency: "INR"},
		Repo:    pricingrepository.Provide(),
		OrgRepo: organizationrepository.NewRepository(db),
		RefRepo: referencerepository.NewRepository(db),
	})
	exchange := exchangeservice.New(exchangeservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fake,
	})
	registry := idempotencyservice.New(idempotencyservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fake,
		Repo:  idempotencyrepository.Provide(),
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		Clock: fake,
		Repo:  auditrepository.Provide(),
	})

	svc := New(ServiceParam{
		DB:       db,
		Log:      log,
		Clock:    fake,
		GenID:    node,
		Registry: registry,
		Usage:    usage,
		Pricing:  pricing,
		Exchange: exchange,
		Rating:   ratingservice.New(),
		Audit:    audit,
	})
	return &invoiceHarness{svc: svc, db: db, clock: fake}
}

func (h *invoiceHarness) seedConfig(t *testing.T, orgID uuid.UUID, currency, taxRate string) {
	t.Helper()
	require.NoError(t, h.db.Create(&pricingdomain.BillingConfig{
		ID:               uuid.New(),
		OrgID:            orgID,
		Currency:         currency,
		TaxRate:          money.MustParse(taxRate),
		Cycle:            pricingdomain.CycleMonthly,
		PaymentTermsDays: 30,
	}).Error)
}

func (h *invoiceHarness) seedGlobalRule(t *testing.T, metric, unit, price, currency string, from time.Time) {
	t.Helper()
	require.NoError(t, h.db.Create(&pricingdomain.PricingRule{
		ID:            uuid.New(),
		MetricName:    metric,
		Unit:          unit,
		PricePerUnit:  money.MustParse(price),
		Currency:      currency,
		EffectiveFrom: from,
		Active:        true,
	}).Error)
}

func (h *invoiceHarness) seedAggregate(t *testing.T, orgID uuid.UUID, metric, unit, total string, count int64, month, year int) {
	t.Helper()
	require.NoError(t, h.db.Create(&usagedomain.UsageAggregate{
		ID:         uuid.New(),
		OrgID:      orgID,
		ProjectID:  uuid.New(),
		MetricName: metric,
		Unit:       unit,
		TotalValue: decimal.RequireFromString(total),
		EventCount: count,
		Month:      month,
		Year:       year,
	}).Error)
}

func (h *invoiceHarness) seedRate(t *testing.T, base, target, rate string, from time.Time) {
	t.Helper()
	require.NoError(t, h.db.Create(&exchangedomain.ExchangeRate{
		ID:             uuid.New(),
		BaseCurrency:   base,
		TargetCurrency: target,
		Rate:           money.MustParse(rate),
		EffectiveFrom:  from,
	}).Error)
}

func TestGenerateCreatesDraftInvoice(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0.18")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "1000", 1000, 1, 2024)

	result, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)
	require.True(t, result.Created)

	invoice := result.Invoice
	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
	assert.True(t, strings.HasPrefix(invoice.Number, "INV-202401-"), invoice.Number)
	assert.Equal(t, "1.00", invoice.Subtotal.StringFixed(2))
	assert.Equal(t, "0.18", invoice.Tax.StringFixed(2))
	assert.Equal(t, "1.18", invoice.Total.StringFixed(2))
	assert.Equal(t, "INR", invoice.Currency)
	assert.Nil(t, invoice.FinalizedAt)

	require.Len(t, invoice.LineItems, 1)
	line := invoice.LineItems[0]
	assert.Equal(t, 1, line.LineNumber)
	assert.Equal(t, "api_calls", line.MetricName)
	assert.Equal(t, "1.00", line.Total.StringFixed(2))

	periodEnd := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
	assert.True(t, invoice.BillingPeriodEnd.Equal(periodEnd))
	assert.True(t, invoice.DueDate.Equal(periodEnd.AddDate(0, 0, 30)))
}

func TestGenerateReplayReturnsStoredInvoice(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "500", 500, 1, 2024)

	first, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)

	var count int64
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGenerateConcurrentRunsProduceOneInvoice(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.5", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "10", 10, 1, 2024)

	const workers = 10
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
			errs[i] = err
			if err == nil {
				ids[i] = result.Invoice.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGenerateWithoutAggregatesRefuses(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0.18")

	_, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	assert.ErrorIs(t, err, invoicedomain.ErrNothingToInvoice)
}

func TestGenerateConvertsForeignCurrencyRules(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "compute_hours", "hours", "0.01", "USD", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedRate(t, "USD", "INR", "80", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "compute_hours", "hours", "100", 4, 1, 2024)

	result, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)

	require.Len(t, result.Invoice.LineItems, 1)
	line := result.Invoice.LineItems[0]
	assert.Equal(t, "INR", line.Currency)
	assert.Equal(t, "0.80000000", line.UnitPrice.StringFixed(8))
	assert.Equal(t, "80.00", line.Total.StringFixed(2))
	assert.Equal(t, "80.00", result.Invoice.Total.StringFixed(2))
}

func TestGenerateRefusesOnMissingExchangeRate(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "compute_hours", "hours", "0.01", "USD", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "compute_hours", "hours", "100", 4, 1, 2024)

	_, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	assert.ErrorIs(t, err, invoicedomain.ErrMissingExchangeRate)

	var count int64
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGenerateReportsUnpricedMetrics(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "1000", 1000, 1, 2024)
	h.seedAggregate(t, orgID, "mystery_metric", "count", "42", 42, 1, 2024)

	result, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.Equal(t, []string{"mystery_metric"}, result.UnpricedMetrics)
	assert.Len(t, result.Invoice.LineItems, 1)
}

func TestFinalizeSealsDraftOnce(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "1000", 1000, 1, 2024)

	result, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)

	finalized, err := h.svc.Finalize(context.Background(), result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusFinalized, finalized.Status)
	require.NotNil(t, finalized.FinalizedAt)
	assert.True(t, finalized.FinalizedAt.Equal(h.clock.Now()))

	_, err = h.svc.Finalize(context.Background(), result.Invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceAlreadyFinalized)
}

func TestFinalizeUnknownInvoice(t *testing.T) {
	h := setupInvoice(t)

	_, err := h.svc.Finalize(context.Background(), uuid.New())
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestGenerateDueCoversEveryOrgAndSkipsFailures(t *testing.T) {
	h := setupInvoice(t)
	healthy := uuid.New()
	broken := uuid.New()

	h.seedConfig(t, healthy, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, healthy, "api_calls", "count", "1000", 1000, 1, 2024)

	// The broken org's only rule has no exchange rate, so its run fails.
	h.seedConfig(t, broken, "INR", "0")
	h.seedGlobalRule(t, "storage_gb", "gb", "0.02", "USD", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, broken, "storage_gb", "gb", "50", 5, 1, 2024)

	created, err := h.svc.GenerateDue(context.Background(), 1, 2024)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// A rerun replays the stored invoice and creates nothing new.
	created, err = h.svc.GenerateDue(context.Background(), 1, 2024)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestListPaginatesByOrg(t *testing.T) {
	h := setupInvoice(t)
	orgID := uuid.New()
	h.seedConfig(t, orgID, "INR", "0")
	h.seedGlobalRule(t, "api_calls", "count", "0.001", "INR", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.seedAggregate(t, orgID, "api_calls", "count", "1000", 1000, 1, 2024)
	h.seedAggregate(t, orgID, "api_calls", "count", "2000", 2000, 2, 2024)

	_, err := h.svc.Generate(context.Background(), orgID, 1, 2024)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.svc.Generate(context.Background(), orgID, 2, 2024)
	require.NoError(t, err)

	page, err := h.svc.List(context.Background(), invoicedomain.ListInvoicesRequest{
		OrgID:    orgID,
		PageSize: 1,
	})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Invoices[0].Month)

	rest, err := h.svc.List(context.Background(), invoicedomain.ListInvoicesRequest{
		OrgID:     orgID,
		PageSize:  1,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, rest.Invoices, 1)
	assert.Equal(t, 1, rest.Invoices[0].Month)

	// Another org sees nothing.
	other, err := h.svc.List(context.Background(), invoicedomain.ListInvoicesRequest{
		OrgID:    uuid.New(),
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, other.Invoices)
}
