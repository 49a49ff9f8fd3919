package plan

import (
	"go.uber.org/fx"

	"github.com/openmetron/metron/internal/plan/repository"
	"github.com/openmetron/metron/internal/plan/service"
)

var Module = fx.Module("plan.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
