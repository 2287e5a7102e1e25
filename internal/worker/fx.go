package worker

import (
	"context"
	"time"

	"github.com/propreel/propreel/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("worker",
	fx.Provide(provideConfig, New),
	fx.Invoke(register),
)

func provideConfig(cfg config.Config) Config {
	wc := DefaultConfig()
	if cfg.Worker.IntervalSec > 0 {
		wc.RunInterval = time.Duration(cfg.Worker.IntervalSec) * time.Second
	}
	return wc
}

func register(lc fx.Lifecycle, cfg config.Config, w *Worker, log *zap.Logger) {
	if !cfg.Worker.Enabled {
		log.Info("worker disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
