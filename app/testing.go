package app

import (
	"context"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"xray-fleet/internal/common"
)

// TestApplication runs the panel or agent graph under fxtest.
type TestApplication struct {
	tb      testing.TB
	testApp *fxtest.App
	modules fx.Option
	options []fx.Option
	logger  *zap.Logger
}

func NewTestPanel(tb testing.TB, opts ...common.Option) *TestApplication {
	options := common.Apply(opts...)
	return newTestApplication(tb, options, panelModules(options))
}

func NewTestAgent(tb testing.TB, opts ...common.Option) *TestApplication {
	options := common.Apply(opts...)
	return newTestApplication(tb, options, agentModules(options))
}

func newTestApplication(tb testing.TB, options *common.ServiceOptions, modules fx.Option) *TestApplication {
	return &TestApplication{
		tb:      tb,
		modules: modules,
		logger:  options.Logger,
	}
}

func (ta *TestApplication) WithOption(opt fx.Option) *TestApplication {
	ta.options = append(ta.options, opt)
	return ta
}

// Populate fills targets from the graph once the application is started.
func (ta *TestApplication) Populate(targets ...interface{}) *TestApplication {
	return ta.WithOption(fx.Populate(targets...))
}

func (ta *TestApplication) Start(ctx context.Context) error {
	testOptions := []fx.Option{
		ta.modules,
		fx.Provide(
			func() *zap.Logger { return ta.logger },
			func() string { return "test" },
		),
		fx.NopLogger,
	}
	testOptions = append(testOptions, ta.options...)
	testOptions = append(testOptions,
		fx.StartTimeout(10*time.Second),
		fx.StopTimeout(10*time.Second),
	)

	ta.testApp = fxtest.New(ta.tb, testOptions...)
	return ta.testApp.Start(ctx)
}

func (ta *TestApplication) Stop(ctx context.Context) error {
	if ta.testApp != nil {
		return ta.testApp.Stop(ctx)
	}
	return nil
}
