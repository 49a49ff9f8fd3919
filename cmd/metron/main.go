package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/migration"
	"github.com/openmetron/metron/internal/scheduler"
	"github.com/openmetron/metron/internal/server"
	"github.com/openmetron/metron/pkg/db"
)

func main() {
	app := fx.New(
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// server.Module carries config, observability and every domain
		// module; scheduler and migration hang off those.
		server.Module,
		scheduler.Module,
		migration.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
