package exchange

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/exchange/service"
)

var Module = fx.Module("exchange.service",
	fx.Provide(service.New),
)
