package common

import (
	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/xray"
)

// ServiceOptions defines common options for application constructors
type ServiceOptions struct {
	Logger      *zap.Logger
	Env         string
	PanelConfig *config.PanelConfig
	AgentConfig *config.AgentConfig
	Daemon      xray.Daemon
}

// Option defines a service option modifier
type Option func(*ServiceOptions)

func WithLogger(logger *zap.Logger) Option {
	return func(o *ServiceOptions) {
		o.Logger = logger
	}
}

func WithEnv(env string) Option {
	return func(o *ServiceOptions) {
		o.Env = env
	}
}

// WithPanelConfig replaces the panel configuration normally loaded from CONFIG_PATH.
func WithPanelConfig(cfg *config.PanelConfig) Option {
	return func(o *ServiceOptions) {
		o.PanelConfig = cfg
	}
}

// WithAgentConfig replaces the agent configuration normally loaded from CONFIG_PATH.
func WithAgentConfig(cfg *config.AgentConfig) Option {
	return func(o *ServiceOptions) {
		o.AgentConfig = cfg
	}
}

// WithDaemon replaces the exec based daemon controller of the agent.
func WithDaemon(d xray.Daemon) Option {
	return func(o *ServiceOptions) {
		o.Daemon = d
	}
}

// Apply builds ServiceOptions from opts with a nop logger default.
func Apply(opts ...Option) *ServiceOptions {
	options := &ServiceOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return options
}
