package project

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/project/repository"
	"github.com/meterbill/meterbill/internal/project/service"
)

var Module = fx.Module("project.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
