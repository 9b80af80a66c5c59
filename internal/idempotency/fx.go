package idempotency

import (
	"github.com/meterbill/meterbill/internal/idempotency/repository"
	"github.com/meterbill/meterbill/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
