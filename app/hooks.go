package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type hookParams struct {
	fx.In

	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
	Env       string
}

func registerHooks(name string) func(hookParams) {
	return func(p hookParams) {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				p.Logger.Info("starting "+name, zap.String("env", p.Env))
				return nil
			},
			OnStop: func(ctx context.Context) error {
				p.Logger.Info("stopping " + name)
				return nil
			},
		})
	}
}
