package app

import (
	"go.uber.org/fx"
	"xray-fleet/internal/agent"
	"xray-fleet/internal/common"
	"xray-fleet/internal/config"
	"xray-fleet/internal/metrics"
	"xray-fleet/internal/panel"
	"xray-fleet/internal/store"
	"xray-fleet/internal/worker"
	"xray-fleet/internal/xray"
)

// panelModules wires the control plane: entity store, renderer, push pool,
// change trigger and the operator API.
func panelModules(o *common.ServiceOptions) fx.Option {
	cfg := config.PanelModule
	if o.PanelConfig != nil {
		cfg = fx.Supply(o.PanelConfig)
	}

	return fx.Options(
		cfg,
		metrics.Module,
		store.Module,
		xray.RendererModule,
		worker.Module,
		panel.Module,
	)
}

// agentModules wires the node agent: apply coordinator, daemon controller
// and the apply API.
func agentModules(o *common.ServiceOptions) fx.Option {
	cfg := config.AgentModule
	if o.AgentConfig != nil {
		cfg = fx.Supply(o.AgentConfig)
	}

	daemon := xray.DaemonModule
	if o.Daemon != nil {
		daemon = fx.Provide(func() xray.Daemon { return o.Daemon })
	}

	return fx.Options(
		cfg,
		metrics.Module,
		daemon,
		agent.Module,
	)
}
