package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/money"
	organizationdomain "github.com/meterbill/meterbill/internal/organization/domain"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	referencedomain "github.com/meterbill/meterbill/internal/reference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultPaymentTermsDays = 30

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	Repo    pricingdomain.Repository
	OrgRepo organizationdomain.Repository
	RefRepo referencedomain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	cfg     config.Config
	repo    pricingdomain.Repository
	orgRepo organizationdomain.Repository
	refRepo referencedomain.Repository
}

func New(p Params) pricingdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("pricing.service"),
		clock:   p.Clock,
		cfg:     p.Config,
		repo:    p.Repo,
		orgRepo: p.OrgRepo,
		refRepo: p.RefRepo,
	}
}

func (s *Service) CreateRule(ctx context.Context, req pricingdomain.CreateRuleRequest) (*pricingdomain.RuleResponse, error) {
	orgID, err := s.parseRuleScope(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	metric := strings.TrimSpace(req.MetricName)
	if metric == "" {
		return nil, pricingdomain.ErrInvalidMetric
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		return nil, pricingdomain.ErrInvalidUnit
	}

	price, err := money.Parse(req.PricePerUnit)
	if err != nil || price.IsNegative() {
		return nil, pricingdomain.ErrInvalidPrice
	}

	currency, err := s.resolveCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	if err := validateWindow(req.EffectiveFrom, req.EffectiveTo); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rule := pricingdomain.PricingRule{
		ID:            uuid.New(),
		OrgID:         orgID,
		MetricName:    metric,
		Unit:          unit,
		PricePerUnit:  price.Round(money.ScaleRate),
		Currency:      currency,
		EffectiveFrom: req.EffectiveFrom.UTC(),
		EffectiveTo:   normalizeTo(req.EffectiveTo),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Metadata != nil {
		rule.Metadata = datatypes.JSONMap(req.Metadata)
	}

	overlapping, err := s.repo.CountOverlappingRules(ctx, s.db, &rule)
	if err != nil {
		return nil, err
	}
	if overlapping > 0 {
		return nil, pricingdomain.ErrRuleOverlap
	}

	if err := s.repo.InsertRule(ctx, s.db, &rule); err != nil {
		return nil, err
	}

	s.log.Info("pricing rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("metric", metric),
		zap.String("unit", unit),
	)

	return toRuleResponse(&rule), nil
}

func (s *Service) DeactivateRule(ctx context.Context, id string) error {
	ruleID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil || ruleID == uuid.Nil {
		return pricingdomain.ErrInvalidRule
	}
	return s.repo.SetRuleActive(ctx, s.db, ruleID, false, s.clock.Now())
}

func (s *Service) ListRules(ctx context.Context, orgID string) ([]pricingdomain.RuleResponse, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(orgID))
	if err != nil || parsed == uuid.Nil {
		return nil, pricingdomain.ErrInvalidOrganization
	}

	rules, err := s.repo.ListRules(ctx, s.db, parsed)
	if err != nil {
		return nil, err
	}

	resp := make([]pricingdomain.RuleResponse, 0, len(rules))
	for i := range rules {
		resp = append(resp, *toRuleResponse(&rules[i]))
	}
	return resp, nil
}

func (s *Service) CreateMinimumRule(ctx context.Context, req pricingdomain.CreateMinimumRuleRequest) (*pricingdomain.MinimumRuleResponse, error) {
	orgID, err := s.parseRuleScope(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || amount.IsNegative() {
		return nil, pricingdomain.ErrInvalidAmount
	}

	currency, err := s.resolveCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	if err := validateWindow(req.EffectiveFrom, req.EffectiveTo); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rule := pricingdomain.MinimumChargeRule{
		ID:            uuid.New(),
		OrgID:         orgID,
		Amount:        amount.Settle(),
		Currency:      currency,
		EffectiveFrom: req.EffectiveFrom.UTC(),
		EffectiveTo:   normalizeTo(req.EffectiveTo),
		Active:        true,
		Description:   strings.TrimSpace(req.Description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.InsertMinimumRule(ctx, s.db, &rule); err != nil {
		return nil, err
	}

	return toMinimumRuleResponse(&rule), nil
}

func (s *Service) UpsertConfig(ctx context.Context, req pricingdomain.UpsertConfigRequest) (*pricingdomain.ConfigResponse, error) {
	orgID, err := uuid.Parse(strings.TrimSpace(req.OrgID))
	if err != nil || orgID == uuid.Nil {
		return nil, pricingdomain.ErrInvalidOrganization
	}
	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, pricingdomain.ErrInvalidOrganization
	}

	currency, err := s.resolveCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	taxRate, err := money.Parse(req.TaxRate)
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThan(money.One) {
		return nil, pricingdomain.ErrInvalidTaxRate
	}

	cycle, err := parseCycle(req.Cycle)
	if err != nil {
		return nil, err
	}

	terms := req.PaymentTermsDays
	if terms == 0 {
		terms = defaultPaymentTermsDays
	}
	if terms < 0 {
		return nil, pricingdomain.ErrInvalidTerms
	}

	var minAmount *money.Amount
	if req.MinChargeAmount != nil {
		parsed, err := money.Parse(*req.MinChargeAmount)
		if err != nil || parsed.IsNegative() {
			return nil, pricingdomain.ErrInvalidAmount
		}
		settled := parsed.Settle()
		minAmount = &settled
	}

	now := s.clock.Now()
	cfg := pricingdomain.BillingConfig{
		ID:               uuid.New(),
		OrgID:            orgID,
		Currency:         currency,
		TaxRate:          taxRate.Round(money.ScaleRate),
		Cycle:            cycle,
		PaymentTermsDays: terms,
		MinChargeEnabled: req.MinChargeEnabled,
		MinChargeAmount:  minAmount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.UpsertConfig(ctx, s.db, &cfg); err != nil {
		return nil, err
	}

	s.log.Info("billing config upserted", zap.String("org_id", orgID.String()))

	return toConfigResponse(&cfg), nil
}

func (s *Service) EffectiveRules(ctx context.Context, orgID uuid.UUID, at time.Time) ([]pricingdomain.PricingRule, error) {
	return s.repo.ListEffectiveRules(ctx, s.db, orgID, at.UTC())
}

func (s *Service) EffectiveMinimumRules(ctx context.Context, orgID uuid.UUID, at time.Time) ([]pricingdomain.MinimumChargeRule, error) {
	return s.repo.ListEffectiveMinimumRules(ctx, s.db, orgID, at.UTC())
}

func (s *Service) ConfigFor(ctx context.Context, orgID uuid.UUID) (pricingdomain.BillingConfig, error) {
	cfg, err := s.repo.FindConfig(ctx, s.db, orgID)
	if err != nil {
		return pricingdomain.BillingConfig{}, err
	}
	if cfg != nil {
		return *cfg, nil
	}

	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return pricingdomain.BillingConfig{}, err
	}
	if org == nil {
		return pricingdomain.BillingConfig{}, pricingdomain.ErrInvalidOrganization
	}

	currency := org.PreferredCurrency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	return pricingdomain.BillingConfig{
		OrgID:            orgID,
		Currency:         currency,
		TaxRate:          money.Zero(),
		Cycle:            pricingdomain.CycleMonthly,
		PaymentTermsDays: defaultPaymentTermsDays,
		MinChargeEnabled: false,
	}, nil
}

func (s *Service) parseRuleScope(ctx context.Context, raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil // global rule
	}
	orgID, err := uuid.Parse(raw)
	if err != nil || orgID == uuid.Nil {
		return nil, pricingdomain.ErrInvalidOrganization
	}
	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, pricingdomain.ErrInvalidOrganization
	}
	return &orgID, nil
}

func (s *Service) resolveCurrency(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", pricingdomain.ErrInvalidCurrency
	}
	currency, err := s.refRepo.FindCurrency(ctx, code)
	if err != nil {
		return "", err
	}
	if currency == nil {
		return "", pricingdomain.ErrInvalidCurrency
	}
	return currency.Code, nil
}

func validateWindow(from time.Time, to *time.Time) error {
	if from.IsZero() {
		return pricingdomain.ErrInvalidWindow
	}
	if to != nil && !to.After(from) {
		return pricingdomain.ErrInvalidWindow
	}
	return nil
}

func normalizeTo(to *time.Time) *time.Time {
	if to == nil {
		return nil
	}
	utc := to.UTC()
	return &utc
}

func parseCycle(value string) (pricingdomain.BillingCycle, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(pricingdomain.CycleMonthly):
		return pricingdomain.CycleMonthly, nil
	case string(pricingdomain.CycleYearly):
		return pricingdomain.CycleYearly, nil
	default:
		return "", pricingdomain.ErrInvalidCycle
	}
}

func toRuleResponse(rule *pricingdomain.PricingRule) *pricingdomain.RuleResponse {
	resp := &pricingdomain.RuleResponse{
		ID:            rule.ID.String(),
		MetricName:    rule.MetricName,
		Unit:          rule.Unit,
		PricePerUnit:  rule.PricePerUnit.String(),
		Currency:      rule.Currency,
		EffectiveFrom: rule.EffectiveFrom,
		EffectiveTo:   rule.EffectiveTo,
		Active:        rule.Active,
		CreatedAt:     rule.CreatedAt,
	}
	if rule.OrgID != nil {
		id := rule.OrgID.String()
		resp.OrgID = &id
	}
	if rule.Metadata != nil {
		resp.Metadata = map[string]any(rule.Metadata)
	}
	return resp
}

func toMinimumRuleResponse(rule *pricingdomain.MinimumChargeRule) *pricingdomain.MinimumRuleResponse {
	resp := &pricingdomain.MinimumRuleResponse{
		ID:            rule.ID.String(),
		Amount:        rule.Amount.StringFixed(money.ScaleSettlement),
		Currency:      rule.Currency,
		EffectiveFrom: rule.EffectiveFrom,
		EffectiveTo:   rule.EffectiveTo,
		Active:        rule.Active,
		Description:   rule.Description,
		CreatedAt:     rule.CreatedAt,
	}
	if rule.OrgID != nil {
		id := rule.OrgID.String()
		resp.OrgID = &id
	}
	return resp
}

func toConfigResponse(cfg *pricingdomain.BillingConfig) *pricingdomain.ConfigResponse {
	resp := &pricingdomain.ConfigResponse{
		OrgID:            cfg.OrgID.String(),
		Currency:         cfg.Currency,
		TaxRate:          cfg.TaxRate.String(),
		Cycle:            string(cfg.Cycle),
		PaymentTermsDays: cfg.PaymentTermsDays,
		MinChargeEnabled: cfg.MinChargeEnabled,
	}
	if cfg.MinChargeAmount != nil {
		amount := cfg.MinChargeAmount.StringFixed(money.ScaleSettlement)
		resp.MinChargeAmount = &amount
	}
	return resp
}
