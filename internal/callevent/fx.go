package callevent

import (
	"context"

	"github.com/fieldline/snapcalls/internal/callevent/dispatch"
	"github.com/fieldline/snapcalls/internal/callevent/service"
	"github.com/fieldline/snapcalls/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("callevent.service",
	fx.Provide(service.NewService),
	fx.Provide(newPool),
	fx.Invoke(runPool),
)

func newPool(cfg config.Config, log *zap.Logger) *dispatch.Pool {
	return dispatch.NewPool(log, cfg.DispatchWorkers, cfg.DispatchQueueSize)
}

func runPool(lc fx.Lifecycle, pool *dispatch.Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			pool.Stop()
			return nil
		},
	})
}
