package reconciliation

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/reconciliation/service"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(service.New),
)
