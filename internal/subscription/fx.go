package subscription

import (
	"go.uber.org/fx"

	"github.com/openmetron/metron/internal/subscription/repository"
	"github.com/openmetron/metron/internal/subscription/service"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
