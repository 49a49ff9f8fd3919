package billing

import (
	"go.uber.org/fx"

	"github.com/openmetron/metron/internal/billing/repository"
	"github.com/openmetron/metron/internal/billing/service"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
