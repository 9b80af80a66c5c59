package audit

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/audit/repository"
	"github.com/meterbill/meterbill/internal/audit/service"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
