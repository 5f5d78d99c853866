package agent

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"xray-fleet/internal/common"
	"xray-fleet/internal/config"
)

var Module = fx.Options(
	fx.Provide(NewCoordinator),
	fx.Provide(NewHandler),
	fx.Invoke(registerServer),
)

func registerServer(lc fx.Lifecycle, cfg *config.AgentConfig, h *Handler, logger *zap.Logger) {
	common.RegisterServer(lc, "agent_api", cfg.Listen, h.Routes(), logger)
}
