package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	"github.com/meterbill/meterbill/internal/clock"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	"github.com/meterbill/meterbill/internal/metricsexport"
	"github.com/meterbill/meterbill/internal/money"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	ratingdomain "github.com/meterbill/meterbill/internal/rating/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/meterbill/meterbill/pkg/db/option"
	"github.com/meterbill/meterbill/pkg/db/pagination"
	"github.com/meterbill/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Registry idempotencydomain.Registry
	Usage    usagedomain.Service
	Pricing  pricingdomain.Service
	Exchange exchangedomain.Service
	Rating   ratingdomain.Calculator
	Audit    auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	registry idempotencydomain.Registry
	usage    usagedomain.Service
	pricing  pricingdomain.Service
	exchange exchangedomain.Service
	rating   ratingdomain.Calculator
	audit    auditdomain.Service
	metrics  *obsmetrics.Metrics

	invoicerepo repository.Repository[invoicedomain.Invoice]
}

func New(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		registry:    p.Registry,
		usage:       p.Usage,
		pricing:     p.Pricing,
		exchange:    p.Exchange,
		rating:      p.Rating,
		audit:       p.Audit,
		metrics:     p.Metrics,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
	}
}

// GenerationKey is the single-flight identity of one billing run.
func GenerationKey(orgID uuid.UUID, month, year int) string {
	return fmt.Sprintf("invoice:%s:%d:%02d", orgID, year, month)
}

func (s *Service) Generate(ctx context.Context, orgID uuid.UUID, month, year int) (*invoicedomain.GenerateResult, error) {
	if orgID == uuid.Nil {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if month < 1 || month > 12 || year < 2020 {
		return nil, invoicedomain.ErrInvalidBillingPeriod
	}

	var unpriced []string
	result, err := s.registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        GenerationKey(orgID, month, year),
		EntityType: "invoice",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			invoice, dropped, err := s.generateTx(ctx, tx, orgID, month, year)
			if err != nil {
				return uuid.Nil, err
			}
			unpriced = dropped
			return invoice.ID, nil
		},
	})
	if err != nil {
		// A concurrent or earlier run may have inserted the invoice
		// without this registry key; resolve to the stored row.
		if errors.Is(err, invoicedomain.ErrInvoiceExists) {
			existing, findErr := s.findByPeriod(ctx, orgID, month, year)
			if findErr == nil && existing != nil {
				return &invoicedomain.GenerateResult{Invoice: existing}, nil
			}
		}
		return nil, err
	}

	invoice, err := s.Get(ctx, result.EntityID)
	if err != nil {
		return nil, err
	}

	if result.Existing {
		return &invoicedomain.GenerateResult{Invoice: invoice}, nil
	}

	for _, metric := range unpriced {
		s.log.Warn("aggregate dropped: no applicable pricing rule",
			zap.String("org_id", orgID.String()),
			zap.String("metric_name", metric),
			zap.Int("month", month),
			zap.Int("year", year),
		)
	}

	invoiceID := invoice.ID.String()
	_ = s.audit.AuditLog(ctx, &orgID, "", nil, "invoice.generated", "invoice", &invoiceID, map[string]any{
		"number":           invoice.Number,
		"month":            month,
		"year":             year,
		"total":            invoice.Total.StringFixed(2),
		"currency":         invoice.Currency,
		"unpriced_metrics": unpriced,
	})
	if s.metrics != nil {
		s.metrics.RecordInvoiceGenerated(ctx)
	}
	metricsexport.RecordInvoiceGenerated(orgID.String())

	return &invoicedomain.GenerateResult{
		Invoice:         invoice,
		Created:         true,
		UnpricedMetrics: unpriced,
	}, nil
}

// generateTx builds and persists one draft invoice inside the registry
// transaction.
func (s *Service) generateTx(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, month, year int) (*invoicedomain.Invoice, []string, error) {
	// Re-check the period identity under the transaction; the partial
	// unique index backs this up at the storage layer.
	var existing int64
	err := tx.Model(&invoicedomain.Invoice{}).
		Where("org_id = ? AND month = ? AND year = ? AND status <> ?", orgID, month, year, invoicedomain.StatusCancelled).
		Count(&existing).Error
	if err != nil {
		return nil, nil, err
	}
	if existing > 0 {
		return nil, nil, invoicedomain.ErrInvoiceExists
	}

	aggregates, err := s.usage.AggregatesFor(ctx, orgID, month, year)
	if err != nil {
		return nil, nil, err
	}
	if len(aggregates) == 0 {
		return nil, nil, invoicedomain.ErrNothingToInvoice
	}

	periodStart, _ := usagedomain.MonthWindow(month, year)

	cfg, err := s.pricing.ConfigFor(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	rules, err := s.pricing.EffectiveRules(ctx, orgID, periodStart)
	if err != nil {
		return nil, nil, err
	}
	minimumRules, err := s.pricing.EffectiveMinimumRules(ctx, orgID, periodStart)
	if err != nil {
		return nil, nil, err
	}

	rules, err = s.convertRules(ctx, rules, cfg.Currency, periodStart)
	if err != nil {
		return nil, nil, err
	}
	minimumRules, err = s.convertMinimumRules(ctx, minimumRules, cfg.Currency, periodStart)
	if err != nil {
		return nil, nil, err
	}

	calc, err := s.rating.Calculate(ratingdomain.Input{
		OrgID:         orgID,
		Aggregates:    aggregates,
		PricingRules:  rules,
		MinimumRules:  minimumRules,
		BillingConfig: cfg,
		Month:         month,
		Year:          year,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := validateCalculation(calc); err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	invoice := &invoicedomain.Invoice{
		ID:                 uuid.New(),
		OrgID:              orgID,
		Number:             fmt.Sprintf("INV-%d%02d-%s", year, month, s.genID.Generate()),
		Status:             invoicedomain.StatusDraft,
		Subtotal:           calc.SubtotalEffective,
		Tax:                calc.Tax,
		Discount:           calc.Discount,
		Total:              calc.Total,
		Currency:           calc.Currency,
		BillingPeriodStart: calc.BillingPeriodStart,
		BillingPeriodEnd:   calc.BillingPeriodEnd,
		DueDate:            calc.DueDate,
		Month:              month,
		Year:               year,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, line := range calc.LineItems {
		invoice.LineItems = append(invoice.LineItems, invoicedomain.InvoiceLineItem{
			ID:          uuid.New(),
			InvoiceID:   invoice.ID,
			LineNumber:  i + 1,
			ProjectID:   line.ProjectID,
			Description: line.Description,
			MetricName:  line.MetricName,
			Quantity:    line.Quantity,
			Unit:        line.Unit,
			UnitPrice:   line.UnitPrice,
			Total:       line.Total,
			Currency:    line.Currency,
		})
	}

	if err := tx.Create(invoice).Error; err != nil {
		return nil, nil, err
	}

	dropped := make([]string, 0, len(calc.UnpricedAggregates))
	for _, aggregate := range calc.UnpricedAggregates {
		dropped = append(dropped, aggregate.MetricName)
	}
	return invoice, dropped, nil
}

// convertRules re-prices foreign-currency rules into the billing
// currency at the period start. A missing rate refuses the run instead
// of guessing.
func (s *Service) convertRules(ctx context.Context, rules []pricingdomain.PricingRule, currency string, at time.Time) ([]pricingdomain.PricingRule, error) {
	for i := range rules {
		if rules[i].Currency == currency {
			continue
		}
		rate, err := s.exchange.Rate(ctx, rules[i].Currency, currency, at)
		if err != nil {
			if errors.Is(err, exchangedomain.ErrRateNotFound) {
				return nil, fmt.Errorf("%w: %s->%s", invoicedomain.ErrMissingExchangeRate, rules[i].Currency, currency)
			}
			return nil, err
		}
		rules[i].PricePerUnit = rules[i].PricePerUnit.Mul(rate).Round(money.ScaleRate)
		rules[i].Currency = currency
	}
	return rules, nil
}

func (s *Service) convertMinimumRules(ctx context.Context, rules []pricingdomain.MinimumChargeRule, currency string, at time.Time) ([]pricingdomain.MinimumChargeRule, error) {
	for i := range rules {
		if rules[i].Currency == currency {
			continue
		}
		rate, err := s.exchange.Rate(ctx, rules[i].Currency, currency, at)
		if err != nil {
			if errors.Is(err, exchangedomain.ErrRateNotFound) {
				return nil, fmt.Errorf("%w: %s->%s", invoicedomain.ErrMissingExchangeRate, rules[i].Currency, currency)
			}
			return nil, err
		}
		rules[i].Amount = rules[i].Amount.Mul(rate).Settle()
		rules[i].Currency = currency
	}
	return rules, nil
}

// validateCalculation is the mandatory pre-insert integrity gate.
func validateCalculation(calc *ratingdomain.CalculatedInvoice) error {
	if calc.Subtotal.IsNegative() || calc.SubtotalEffective.IsNegative() ||
		calc.Tax.IsNegative() || calc.Discount.IsNegative() || calc.Total.IsNegative() {
		return fmt.Errorf("%w: negative monetary field", invoicedomain.ErrCalculationMismatch)
	}

	expected := calc.SubtotalEffective.Add(calc.Tax).Sub(calc.Discount)
	if !calc.Total.WithinCent(expected) {
		return fmt.Errorf("%w: total %s != subtotal+tax-discount %s",
			invoicedomain.ErrCalculationMismatch, calc.Total.StringFixed(2), expected.StringFixed(2))
	}

	lineSum := money.Zero()
	for _, line := range calc.LineItems {
		if line.Total.IsNegative() || line.UnitPrice.IsNegative() || line.Quantity.IsNegative() {
			return fmt.Errorf("%w: negative line item field", invoicedomain.ErrCalculationMismatch)
		}
		if !line.Total.WithinCent(line.Quantity.Mul(line.UnitPrice).Settle()) {
			return fmt.Errorf("%w: line %q total drift", invoicedomain.ErrCalculationMismatch, line.Description)
		}
		lineSum = lineSum.Add(line.Total)
	}
	if !lineSum.WithinCent(calc.SubtotalEffective) {
		return fmt.Errorf("%w: line sum %s != subtotal %s",
			invoicedomain.ErrCalculationMismatch, lineSum.StringFixed(2), calc.SubtotalEffective.StringFixed(2))
	}
	return nil
}

func (s *Service) GenerateDue(ctx context.Context, month, year int) (int, error) {
	if month < 1 || month > 12 || year < 2020 {
		return 0, invoicedomain.ErrInvalidBillingPeriod
	}

	var orgIDs []uuid.UUID
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id FROM usage_aggregates WHERE month = ? AND year = ?`,
		month, year,
	).Scan(&orgIDs).Error
	if err != nil {
		return 0, err
	}

	created := 0
	for _, orgID := range orgIDs {
		result, err := s.Generate(ctx, orgID, month, year)
		if err != nil {
			// One org's failure must not starve the rest of the run.
			s.log.Error("invoice generation failed",
				zap.String("org_id", orgID.String()),
				zap.Int("month", month),
				zap.Int("year", year),
				zap.Error(err),
			)
			continue
		}
		if result.Created {
			created++
		}
	}
	return created, nil
}

func (s *Service) Finalize(ctx context.Context, invoiceID uuid.UUID) (*invoicedomain.Invoice, error) {
	if invoiceID == uuid.Nil {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, invoicedomain.StatusDraft).
		Updates(map[string]any{
			"status":       invoicedomain.StatusFinalized,
			"finalized_at": now,
			"issued_at":    now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, result.Error
	}

	invoice, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		if invoice.Status == invoicedomain.StatusFinalized || invoice.FinalizedAt != nil {
			return nil, invoicedomain.ErrInvoiceAlreadyFinalized
		}
		return nil, invoicedomain.ErrInvoiceNotDraft
	}

	orgID := invoice.OrgID
	id := invoice.ID.String()
	_ = s.audit.AuditLog(ctx, &orgID, "", nil, "invoice.finalized", "invoice", &id, map[string]any{
		"number": invoice.Number,
		"total":  invoice.Total.StringFixed(2),
	})

	return invoice, nil
}

func (s *Service) Get(ctx context.Context, invoiceID uuid.UUID) (*invoicedomain.Invoice, error) {
	if invoiceID == uuid.Nil {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB {
			return db.Order("line_number ASC")
		}).
		First(&invoice, "id = ?", invoiceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) findByPeriod(ctx context.Context, orgID uuid.UUID, month, year int) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("LineItems").
		Where("org_id = ? AND month = ? AND year = ? AND status <> ?", orgID, month, year, invoicedomain.StatusCancelled).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoicesRequest) (invoicedomain.ListInvoicesResponse, error) {
	if req.OrgID == uuid.Nil {
		return invoicedomain.ListInvoicesResponse{}, invoicedomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &invoicedomain.Invoice{OrgID: req.OrgID}
	if strings.TrimSpace(string(req.Status)) != "" {
		filter.Status = req.Status
	}

	items, err := s.invoicerepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *invoicedomain.Invoice) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}

	resp := invoicedomain.ListInvoicesResponse{Invoices: invoices}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
