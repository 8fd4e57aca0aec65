package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity"
	"github.com/smallbiznis/attribution/internal/ledger"
	"github.com/smallbiznis/attribution/internal/migration"
	"github.com/smallbiznis/attribution/internal/observability"
	"github.com/smallbiznis/attribution/internal/pipeline"
	"github.com/smallbiznis/attribution/internal/rollup"
	"github.com/smallbiznis/attribution/internal/runlock"
	"github.com/smallbiznis/attribution/internal/scheduler"
	"github.com/smallbiznis/attribution/internal/server"
	"github.com/smallbiznis/attribution/internal/snapshot"
	"github.com/smallbiznis/attribution/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		runlock.Module,

		// Attribution
		snapshot.Module,
		ledger.Module,
		identity.Module,
		rollup.Module,
		pipeline.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Scheduler.SnowflakeID)
}
