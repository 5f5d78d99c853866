package panel

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"xray-fleet/internal/common"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/worker"
)

var Module = fx.Options(
	fx.Provide(NewDispatcher),
	fx.Provide(newTrigger),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(registerResync),
	fx.Invoke(registerServer),
)

func newTrigger(lc fx.Lifecycle, cfg *config.PanelConfig, d *Dispatcher, metrics domain.MetricsCollector, logger *zap.Logger) *Trigger {
	t := NewTrigger(cfg.Push.Debounce(), d.PushAll, metrics, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return t.Close(ctx)
		},
	})
	return t
}

// registerResync re-pushes every node on a fixed interval when configured.
func registerResync(lc fx.Lifecycle, cfg *config.PanelConfig, t *Trigger, logger *zap.Logger) {
	interval := cfg.Push.Resync()
	if interval <= 0 || cfg.Push.Policy == config.PushPolicyManual {
		return
	}

	scheduler := worker.NewScheduler("resync", interval, func(context.Context) {
		t.NotifyChanged()
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				scheduler.Start(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			_ = scheduler.Stop()
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func registerServer(lc fx.Lifecycle, cfg *config.PanelConfig, h *Handler, logger *zap.Logger) {
	common.RegisterServer(lc, "panel_api", cfg.Listen, h.Routes(), logger)
}
