package pricing

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/pricing/repository"
	"github.com/meterbill/meterbill/internal/pricing/service"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
