package payment

import (
	"github.com/dukahq/duka/internal/payment/gateway"
	"github.com/dukahq/duka/internal/payment/repository"
	paymentservice "github.com/dukahq/duka/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(gateway.New),
	fx.Provide(paymentservice.NewService),
)
