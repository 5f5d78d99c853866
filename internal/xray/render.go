package xray

import (
	"fmt"
	"os"
	"path/filepath"

	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
)

const (
	fullchainFile = "fullchain.pem"
	privkeyFile   = "privkey.pem"
)

// Renderer maps a node graph to the XRay document. Apart from certificate
// existence checks it does no I/O.
type Renderer struct {
	certRoot    string
	logLevel    string
	realityShow interface{}
	spiderX     string
	fileExists  func(path string) bool
}

func NewRenderer(cfg *config.PanelConfig) *Renderer {
	var show interface{} = false
	if cfg.Render.RealityShow == config.RealityShowAuto {
		show = config.RealityShowAuto
	}
	return &Renderer{
		certRoot:    cfg.Render.CertRoot,
		logLevel:    cfg.Render.LogLevel,
		realityShow: show,
		spiderX:     cfg.Render.SpiderX,
		fileExists:  regularFileExists,
	}
}

// WithFileCheck replaces the certificate existence check.
func (r *Renderer) WithFileCheck(exists func(path string) bool) *Renderer {
	clone := *r
	clone.fileExists = exists
	return &clone
}

// Render builds the document for a node. Inbounds and clients keep their
// entity order.
func (r *Renderer) Render(graph domain.NodeGraph) (*Config, error) {
	cfg := &Config{
		Log:       LogConfig{LogLevel: r.logLevel},
		Inbounds:  make([]InboundConfig, 0, len(graph.Inbounds)),
		Outbounds: []OutboundConfig{{Protocol: "freedom"}},
	}

	for _, ig := range graph.Inbounds {
		inbound, err := r.renderInbound(ig)
		if err != nil {
			return nil, err
		}
		cfg.Inbounds = append(cfg.Inbounds, inbound)
	}

	return cfg, nil
}

// CheckInbound reports the ValidationError rendering the inbound would hit.
func (r *Renderer) CheckInbound(in domain.Inbound) error {
	_, err := r.renderInbound(domain.InboundGraph{Inbound: in})
	return err
}

func (r *Renderer) renderInbound(ig domain.InboundGraph) (InboundConfig, error) {
	in := ig.Inbound

	clients := make([]ClientConfig, 0, len(ig.Clients))
	for _, c := range ig.Clients {
		clients = append(clients, ClientConfig{
			ID:    c.UUID,
			Email: c.Username,
			Level: c.Level,
		})
	}

	inbound := InboundConfig{
		Listen:   in.Listen,
		Port:     in.Port,
		Protocol: in.Protocol,
		Settings: InboundSettings{
			Clients:    clients,
			Decryption: "none",
		},
		StreamSettings: StreamSettings{
			Network: in.Network,
		},
		Sniffing: SniffingConfig{
			Enabled:      true,
			DestOverride: []string{"http", "tls"},
		},
	}

	mode, err := domain.ParseSecurityMode(string(in.Security))
	if err != nil {
		return InboundConfig{}, NewValidationError(in.Name, "security", err.Error())
	}

	switch mode {
	case domain.SecurityNone:
	case domain.SecurityTLS:
		tls, err := r.tlsSettings(in)
		if err != nil {
			return InboundConfig{}, err
		}
		inbound.StreamSettings.Security = string(domain.SecurityTLS)
		inbound.StreamSettings.TLSSettings = tls
	case domain.SecurityReality:
		reality, err := r.realitySettings(in)
		if err != nil {
			return InboundConfig{}, err
		}
		inbound.StreamSettings.Security = string(domain.SecurityReality)
		inbound.StreamSettings.RealitySettings = reality
	}

	return inbound, nil
}

func (r *Renderer) tlsSettings(in domain.Inbound) (*TLSSettings, error) {
	if in.SNI == "" {
		return nil, NewValidationError(in.Name, "sni", "required for tls inbounds")
	}

	certFile, keyFile := CertificatePaths(r.certRoot, in.SNI)
	for _, path := range []string{certFile, keyFile} {
		if !r.fileExists(path) {
			return nil, NewValidationError(in.Name, "certificate", fmt.Sprintf("file not found: %s", path))
		}
	}

	return &TLSSettings{
		Certificates: []Certificate{{CertificateFile: certFile, KeyFile: keyFile}},
	}, nil
}

func (r *Renderer) realitySettings(in domain.Inbound) (*RealitySettings, error) {
	switch {
	case in.SNI == "":
		return nil, NewValidationError(in.Name, "sni", "required for reality inbounds")
	case in.RealityPrivateKey == "":
		return nil, NewValidationError(in.Name, "reality_private_key", "required for reality inbounds")
	case in.RealityShortID == "":
		return nil, NewValidationError(in.Name, "reality_short_id", "required for reality inbounds")
	}

	return &RealitySettings{
		Show:        r.realityShow,
		Dest:        RealityDest(in),
		Xver:        0,
		ServerNames: []string{in.SNI},
		PrivateKey:  in.RealityPrivateKey,
		ShortIDs:    []string{in.RealityShortID},
		SpiderX:     r.spiderX,
	}, nil
}

// RealityDest is the stored camouflage destination or <sni>:443.
func RealityDest(in domain.Inbound) string {
	if in.RealityDest != "" {
		return in.RealityDest
	}
	return in.SNI + ":443"
}

// CertificatePaths returns the certificate chain and key paths for an SNI.
func CertificatePaths(root, sni string) (string, string) {
	dir := filepath.Join(root, sni)
	return filepath.Join(dir, fullchainFile), filepath.Join(dir, privkeyFile)
}

func regularFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
