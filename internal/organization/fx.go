package organization

import (
	"github.com/meterbill/meterbill/internal/organization/repository"
	"github.com/meterbill/meterbill/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
