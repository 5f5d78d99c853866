package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

var validate *validator.Validate

// PanelModule provides the panel configuration loaded from CONFIG_PATH.
var PanelModule = fx.Provide(NewPanelConfig)

// AgentModule provides the agent configuration loaded from CONFIG_PATH.
var AgentModule = fx.Provide(NewAgentConfig)

type PanelConfig struct {
	Listen string       `json:"listen" yaml:"listen" validate:"required"`
	APIKey string       `json:"api_key" yaml:"api_key"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Render RenderConfig `json:"render" yaml:"render"`
	Push   PushConfig   `json:"push" yaml:"push"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"required,oneof=memory bolt"`
	Path   string `json:"path" yaml:"path" validate:"required_if=Driver bolt"`
}

type RenderConfig struct {
	CertRoot    string `json:"cert_root" yaml:"cert_root" validate:"required"`
	LogLevel    string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warning error none"`
	RealityShow string `json:"reality_show" yaml:"reality_show" validate:"realityshow"`
	SpiderX     string `json:"spider_x" yaml:"spider_x" validate:"required"`
}

type PushConfig struct {
	Policy          string  `json:"policy" yaml:"policy" validate:"pushpolicy"`
	DebounceSeconds float64 `json:"debounce_seconds" yaml:"debounce_seconds" validate:"gt=0"`
	TimeoutSeconds  float64 `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gt=0"`
	Workers         int     `json:"workers" yaml:"workers" validate:"min=1,max=64"`
	// ResyncSeconds re-pushes every node periodically; zero disables it.
	ResyncSeconds float64 `json:"resync_seconds" yaml:"resync_seconds" validate:"gte=0"`
}

func (p PushConfig) Debounce() time.Duration { return seconds(p.DebounceSeconds) }

func (p PushConfig) Timeout() time.Duration { return seconds(p.TimeoutSeconds) }

func (p PushConfig) Resync() time.Duration { return seconds(p.ResyncSeconds) }

type AgentConfig struct {
	Listen     string           `json:"listen" yaml:"listen" validate:"required"`
	NodeID     string           `json:"node_id" yaml:"node_id" validate:"required"`
	NodeKey    string           `json:"node_key" yaml:"node_key"`
	AllowIPs   []string         `json:"allow_ips" yaml:"allow_ips" validate:"dive,ip"`
	Xray       XrayConfig       `json:"xray" yaml:"xray"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
}

type XrayConfig struct {
	Bin                string  `json:"bin" yaml:"bin" validate:"required"`
	ConfigPath         string  `json:"config_path" yaml:"config_path" validate:"required"`
	TestTimeoutSeconds float64 `json:"test_timeout_seconds" yaml:"test_timeout_seconds" validate:"gt=0"`
}

func (x XrayConfig) TestTimeout() time.Duration { return seconds(x.TestTimeoutSeconds) }

type SupervisorConfig struct {
	Ctl                   string  `json:"ctl" yaml:"ctl" validate:"required"`
	ServerURL             string  `json:"server_url" yaml:"server_url"`
	Program               string  `json:"program" yaml:"program" validate:"required"`
	RestartTimeoutSeconds float64 `json:"restart_timeout_seconds" yaml:"restart_timeout_seconds" validate:"gt=0"`
}

func (s SupervisorConfig) RestartTimeout() time.Duration { return seconds(s.RestartTimeoutSeconds) }

func DefaultPanelConfig() PanelConfig {
	return PanelConfig{
		Listen: ":8080",
		Store:  StoreConfig{Driver: "memory"},
		Render: RenderConfig{
			CertRoot:    "/etc/letsencrypt/live",
			LogLevel:    "warning",
			RealityShow: RealityShowFalse,
			SpiderX:     "/",
		},
		Push: PushConfig{
			Policy:          PushPolicyDebounced,
			DebounceSeconds: 1.5,
			TimeoutSeconds:  15,
			Workers:         4,
		},
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Listen: ":8081",
		NodeID: "local",
		Xray: XrayConfig{
			Bin:                "/usr/local/bin/xray",
			ConfigPath:         "/etc/xray/config.json",
			TestTimeoutSeconds: 30,
		},
		Supervisor: SupervisorConfig{
			Ctl:                   "supervisorctl",
			ServerURL:             "unix:///tmp/supervisor.sock",
			Program:               "xray",
			RestartTimeoutSeconds: 30,
		},
	}
}

// NewPanelConfig loads the panel configuration from the environment
func NewPanelConfig() (*PanelConfig, error) {
	cfg := DefaultPanelConfig()
	if err := load("panel.json", &cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("XRAY_APPLY_DEBOUNCE_SECONDS"); v != "" {
		debounce, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid XRAY_APPLY_DEBOUNCE_SECONDS: %w", err)
		}
		cfg.Push.DebounceSeconds = debounce
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewAgentConfig loads the agent configuration from the environment
func NewAgentConfig() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := load("agent.json", &cfg); err != nil {
		return nil, err
	}

	overrideString(&cfg.NodeKey, "XRAY_NODE_KEY")
	overrideString(&cfg.Xray.Bin, "XRAY_BIN")
	overrideString(&cfg.Xray.ConfigPath, "XRAY_CONFIG_PATH")
	overrideString(&cfg.Supervisor.ServerURL, "SUPERVISOR_SERVER_URL")
	if raw := os.Getenv("XRAY_PANEL_ALLOW_IPS"); raw != "" {
		cfg.AllowIPs = ParseAllowIPs(raw)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseAllowIPs splits a comma separated address list, dropping blanks.
func ParseAllowIPs(raw string) []string {
	var ips []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ips = append(ips, part)
		}
	}
	return ips
}

// Validate runs struct validation and formats the failures.
func Validate(cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return formatValidationErrors(validationErrors)
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// load decodes the file named by CONFIG_PATH into cfg. A missing default
// file leaves cfg untouched; a missing explicit path is an error.
func load(defaultPath string, cfg interface{}) error {
	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if configPath == "" {
		configPath, explicit = defaultPath, false
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("error reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	return nil
}

func overrideString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// formatValidationErrors formats validation errors into a user-friendly error message
func formatValidationErrors(errors validator.ValidationErrors) error {
	var errMsgs []string
	for _, err := range errors {
		errMsgs = append(errMsgs, fmt.Sprintf(
			"field '%s' failed validation: %s",
			err.Namespace(),
			err.Tag(),
		))
	}
	return fmt.Errorf("validation errors: %v", errMsgs)
}
