package commission

import (
	"github.com/dukahq/duka/internal/commission/repository"
	"github.com/dukahq/duka/internal/commission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
