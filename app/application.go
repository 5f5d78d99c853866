package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"xray-fleet/internal/common"
)

type Application struct {
	app    *fx.App
	logger *zap.Logger
}

// NewPanel builds the fleet panel.
func NewPanel(opts ...common.Option) *Application {
	options := common.Apply(opts...)
	return newApplication("panel", options, panelModules(options))
}

// NewAgent builds the node agent.
func NewAgent(opts ...common.Option) *Application {
	options := common.Apply(opts...)
	return newApplication("agent", options, agentModules(options))
}

func newApplication(name string, options *common.ServiceOptions, modules fx.Option) *Application {
	logger := options.Logger.With(zap.String("role", name))
	app := &Application{
		logger: logger,
	}

	app.app = fx.New(
		modules,

		// Provide base dependencies
		fx.Provide(
			func() *zap.Logger { return logger },
			func() string { return options.Env },
		),

		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),

		fx.StopTimeout(30*time.Second),
		fx.StartTimeout(30*time.Second),

		fx.Invoke(registerHooks(name)),
	)

	return app
}

// Err reports a dependency graph that failed to build.
func (a *Application) Err() error {
	return a.app.Err()
}

func (a *Application) Start(ctx context.Context) error {
	return a.app.Start(ctx)
}

func (a *Application) Stop(ctx context.Context) error {
	return a.app.Stop(ctx)
}
