package order

import (
	"github.com/dukahq/duka/internal/order/repository"
	"github.com/dukahq/duka/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
