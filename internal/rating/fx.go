package rating

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/rating/service"
)

var Module = fx.Module("rating.service",
	fx.Provide(service.New),
)
