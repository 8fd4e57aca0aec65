// Command runonce executes a single attribution run and exits non-zero when
// the run fails.
package main

import (
	"context"

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
	"github.com/smallbiznis/attribution/internal/snapshot"
	"github.com/smallbiznis/attribution/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		runlock.Module,

		snapshot.Module,
		ledger.Module,
		identity.Module,
		rollup.Module,
		pipeline.Module,

		// No scheduler, no server.
		fx.Invoke(RunOnce),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Scheduler.SnowflakeID)
}

func RunOnce(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, svc *pipeline.Service, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := cfg.Scheduler.RunTimeout

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				runCtx := ctx
				if timeout > 0 {
					var stop context.CancelFunc
					runCtx, stop = context.WithTimeout(ctx, timeout)
					defer stop()
				}

				code := 0
				run, err := svc.Execute(runCtx, pipeline.TriggerManual)
				if err != nil {
					code = 1
					log.Error("runonce failed", zap.Error(err))
				} else {
					log.Info("runonce finished", zap.String("run_id", run.ID.String()))
				}
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					log.Error("runonce shutdown", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
