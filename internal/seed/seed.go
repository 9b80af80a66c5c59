// Package seed bootstraps a demo tenant for local and self-hosted
// environments. Everything here is idempotent so repeated startups with
// SEED_DEMO_DATA=true converge on the same rows.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	"github.com/meterbill/meterbill/internal/money"
	organizationdomain "github.com/meterbill/meterbill/internal/organization/domain"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	projectdomain "github.com/meterbill/meterbill/internal/project/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	demoOrgName      = "Demo"
	demoBillingEmail = "billing@demo.localhost"
	demoCurrency     = "INR"
	demoProjectName  = "demo"
	apiKeyPrefix     = "mb_live_key_"
)

// EnsureDemoData seeds the demo organization, one project key, the
// global pricing rules and a pinned INR/USD rate pair. The raw API key
// is logged exactly once, on the run that creates the project.
func EnsureDemoData(db *gorm.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureDemoOrg(tx)
		if err != nil {
			return err
		}
		if err := ensureBillingConfig(tx, org.ID); err != nil {
			return err
		}
		if err := ensureDemoProject(tx, org.ID, log); err != nil {
			return err
		}
		if err := ensureGlobalPricing(tx); err != nil {
			return err
		}
		return ensureExchangeRates(tx)
	})
}

func ensureDemoOrg(tx *gorm.DB) (*organizationdomain.Organization, error) {
	demoSlug := slug.Make(demoOrgName)

	var org organizationdomain.Organization
	err := tx.Where("slug = ?", demoSlug).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	org = organizationdomain.Organization{
		ID:                uuid.New(),
		Name:              demoOrgName,
		Slug:              demoSlug,
		BillingEmail:      demoBillingEmail,
		PreferredCurrency: demoCurrency,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func ensureBillingConfig(tx *gorm.DB, orgID uuid.UUID) error {
	var count int64
	if err := tx.Model(&pricingdomain.BillingConfig{}).
		Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.Create(&pricingdomain.BillingConfig{
		ID:               uuid.New(),
		OrgID:            orgID,
		Currency:         demoCurrency,
		TaxRate:          money.MustParse("0.18"),
		Cycle:            pricingdomain.CycleMonthly,
		PaymentTermsDays: 30,
	}).Error
}

func ensureDemoProject(tx *gorm.DB, orgID uuid.UUID, log *zap.Logger) error {
	var count int64
	if err := tx.Model(&projectdomain.Project{}).
		Where("org_id = ? AND name = ?", orgID, demoProjectName).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	rawKey := apiKeyPrefix + hex.EncodeToString(secret)

	now := time.Now().UTC()
	project := projectdomain.Project{
		ID:         uuid.New(),
		OrgID:      orgID,
		Name:       demoProjectName,
		APIKeyHash: projectdomain.HashAPIKey(rawKey),
		Scopes:     []string{projectdomain.ScopeUsageWrite, projectdomain.ScopeBillingManage},
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(&project).Error; err != nil {
		return err
	}

	// The hash is all that survives; surface the key now or never.
	log.Info("seeded demo project api key",
		zap.String("org_id", orgID.String()),
		zap.String("project_id", project.ID.String()),
		zap.String("api_key", rawKey),
	)
	return nil
}

func ensureGlobalPricing(tx *gorm.DB) error {
	rules := []struct {
		metric string
		unit   string
		price  string
	}{
		{"api_calls", "count", "0.01"},
		{"storage_gb", "gb", "5.00"},
		{"compute_minutes", "minute", "0.50"},
	}

	effectiveFrom := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range rules {
		var count int64
		if err := tx.Model(&pricingdomain.PricingRule{}).
			Where("org_id IS NULL AND metric_name = ? AND unit = ? AND active", r.metric, r.unit).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := tx.Create(&pricingdomain.PricingRule{
			ID:            uuid.New(),
			MetricName:    r.metric,
			Unit:          r.unit,
			PricePerUnit:  money.MustParse(r.price),
			Currency:      demoCurrency,
			EffectiveFrom: effectiveFrom,
			Active:        true,
		}).Error; err != nil {
			return fmt.Errorf("seed pricing rule %s: %w", r.metric, err)
		}
	}
	return nil
}

func ensureExchangeRates(tx *gorm.DB) error {
	pairs := []struct {
		base   string
		target string
		rate   string
	}{
		{"USD", "INR", "83.00"},
		{"INR", "USD", "0.01204819"},
	}

	effectiveFrom := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range pairs {
		var count int64
		if err := tx.Model(&exchangedomain.ExchangeRate{}).
			Where("base_currency = ? AND target_currency = ? AND effective_to IS NULL", p.base, p.target).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := tx.Create(&exchangedomain.ExchangeRate{
			ID:             uuid.New(),
			BaseCurrency:   p.base,
			TargetCurrency: p.target,
			Rate:           money.MustParse(p.rate),
			EffectiveFrom:  effectiveFrom,
		}).Error; err != nil {
			return fmt.Errorf("seed exchange rate %s/%s: %w", p.base, p.target, err)
		}
	}
	return nil
}
