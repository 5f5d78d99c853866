package xray

import "go.uber.org/fx"

// RendererModule provides the panel side document renderer.
var RendererModule = fx.Provide(NewRenderer)

// DaemonModule provides the agent side daemon controller.
var DaemonModule = fx.Provide(NewDaemon)
