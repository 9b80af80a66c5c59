package usage

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/hotstore"
	"github.com/meterbill/meterbill/internal/usage/migrator"
	"github.com/meterbill/meterbill/internal/usage/service"
)

var Module = fx.Module("usage.service",
	fx.Provide(hotstore.NewStore),
	fx.Provide(service.New),
	fx.Provide(migrator.NewWorker),
)
