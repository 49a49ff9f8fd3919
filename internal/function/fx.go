package function

import (
	"go.uber.org/fx"

	"github.com/openmetron/metron/internal/function/repository"
	"github.com/openmetron/metron/internal/function/service"
	"github.com/openmetron/metron/internal/keylock"
)

var Module = fx.Module("function.service",
	fx.Provide(repository.Provide),
	fx.Provide(keylock.New),
	fx.Provide(service.New),
)
