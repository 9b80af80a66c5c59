package migration

import (
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	organizationdomain "github.com/meterbill/meterbill/internal/organization/domain"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	reconciliationdomain "github.com/meterbill/meterbill/internal/reconciliation/domain"
	"github.com/meterbill/meterbill/internal/seed"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql carry no trigger enforcement; the
			// service layer status machine is the only guard there.
			if err := autoMigrate(conn); err != nil {
				return err
			}
		}

		if cfg.SeedDemoData {
			return seed.EnsureDemoData(conn, log)
		}
		return nil
	}),
)

func autoMigrate(conn *gorm.DB) error {
	// projects carry a text[] column; sqlite stores the pq array
	// encoding in a plain TEXT column instead.
	if err := conn.Exec(`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		scopes TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME
	)`).Error; err != nil {
		return err
	}
	if err := conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_projects_api_key_hash
		ON projects (api_key_hash)`).Error; err != nil {
		return err
	}

	return conn.AutoMigrate(
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
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&paymentdomain.GatewayEventRecord{},
		&reconciliationdomain.ReconciliationRun{},
	)
}
