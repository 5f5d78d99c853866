package domain

import (
	"fmt"
	"strings"
)

type SecurityMode string

const (
	SecurityNone    SecurityMode = "none"
	SecurityTLS     SecurityMode = "tls"
	SecurityReality SecurityMode = "reality"
)

// ParseSecurityMode normalizes a user supplied security mode.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch mode := SecurityMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case SecurityNone, SecurityTLS, SecurityReality:
		return mode, nil
	case "":
		return SecurityNone, nil
	default:
		return "", fmt.Errorf("unknown security mode: %q", s)
	}
}

// Node is a relay host running the apply agent.
type Node struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	NodeKey string `json:"node_key"`
}

// Inbound is a listener owned by exactly one node. The Reality* fields are
// only meaningful when Security is SecurityReality.
type Inbound struct {
	ID       int64        `json:"id"`
	NodeID   int64        `json:"node_id"`
	Name     string       `json:"name"`
	Address  string       `json:"address"`
	Listen   string       `json:"listen"`
	Port     int          `json:"port"`
	Protocol string       `json:"protocol"`
	Network  string       `json:"network"`
	Security SecurityMode `json:"security"`
	SNI      string       `json:"sni"`

	RealityPrivateKey  string `json:"reality_private_key"`
	RealityPublicKey   string `json:"reality_public_key"`
	RealityShortID     string `json:"reality_short_id"`
	RealityDest        string `json:"reality_dest"`
	RealityFingerprint string `json:"reality_fingerprint"`
}

// Client is a per-user credential owned by exactly one inbound.
type Client struct {
	ID        int64  `json:"id"`
	InboundID int64  `json:"inbound_id"`
	Username  string `json:"username"`
	UUID      string `json:"uuid"`
	Level     int    `json:"level"`
}

// NodeGraph is everything reachable from a node, in entity order.
type NodeGraph struct {
	Node     Node
	Inbounds []InboundGraph
}

type InboundGraph struct {
	Inbound Inbound
	Clients []Client
}

const (
	DefaultListen      = "0.0.0.0"
	DefaultPort        = 443
	DefaultProtocol    = "vless"
	DefaultNetwork     = "tcp"
	DefaultFingerprint = "chrome"
)

// ApplyDefaults fills zero-valued inbound fields.
func (i *Inbound) ApplyDefaults() {
	if i.Listen == "" {
		i.Listen = DefaultListen
	}
	if i.Port == 0 {
		i.Port = DefaultPort
	}
	if i.Protocol == "" {
		i.Protocol = DefaultProtocol
	}
	if i.Network == "" {
		i.Network = DefaultNetwork
	}
	if i.Security == "" {
		i.Security = SecurityReality
	}
	if i.RealityFingerprint == "" {
		i.RealityFingerprint = DefaultFingerprint
	}
}

// HasRealityKeys reports whether the inbound already holds a full key set.
func (i *Inbound) HasRealityKeys() bool {
	return i.RealityPrivateKey != "" && i.RealityPublicKey != "" && i.RealityShortID != ""
}
