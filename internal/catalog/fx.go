package catalog

import (
	"github.com/dukahq/duka/internal/catalog/repository"
	"github.com/dukahq/duka/internal/catalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
