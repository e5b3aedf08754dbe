package idempotency

import (
	"context"
	"time"

	"github.com/quillforge/quillforge/internal/clock"
	"github.com/quillforge/quillforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("idempotency",
	fx.Provide(provideGuard),
	fx.Invoke(registerSweeper),
)

func provideGuard(cfg config.Config, clk clock.Clock, log *zap.Logger) *Guard {
	return NewGuard(cfg.Idempotency.TTL, cfg.Idempotency.SweepInterval, clk, log)
}

func registerSweeper(lc fx.Lifecycle, g *Guard) {
	stop := make(chan struct{})
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = ctx
			go runSweeper(g, stop, done)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func runSweeper(g *Guard, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-stop:
			return
		}
	}
}
