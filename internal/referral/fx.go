package referral

import (
	"github.com/dukahq/duka/internal/referral/repository"
	"github.com/dukahq/duka/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
