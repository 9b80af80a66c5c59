package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterbill/meterbill/internal/audit"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/exchange"
	"github.com/meterbill/meterbill/internal/idempotency"
	"github.com/meterbill/meterbill/internal/invoice"
	"github.com/meterbill/meterbill/internal/metricsexport"
	"github.com/meterbill/meterbill/internal/migration"
	"github.com/meterbill/meterbill/internal/observability"
	"github.com/meterbill/meterbill/internal/organization"
	"github.com/meterbill/meterbill/internal/payment"
	"github.com/meterbill/meterbill/internal/pricing"
	"github.com/meterbill/meterbill/internal/project"
	"github.com/meterbill/meterbill/internal/ratelimit"
	"github.com/meterbill/meterbill/internal/rating"
	"github.com/meterbill/meterbill/internal/reconciliation"
	"github.com/meterbill/meterbill/internal/reference"
	"github.com/meterbill/meterbill/internal/scheduler"
	"github.com/meterbill/meterbill/internal/server"
	"github.com/meterbill/meterbill/internal/usage"
	"github.com/meterbill/meterbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		reference.Module,
		organization.Module,
		project.Module,
		audit.Module,
		idempotency.Module,
		usage.Module,
		pricing.Module,
		exchange.Module,
		rating.Module,
		invoice.Module,
		payment.Module,
		reconciliation.Module,
		metricsexport.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNodeID)
	if err != nil {
		panic(err)
	}
	return node
}
