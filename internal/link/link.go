// Package link renders client share links for the inbounds of a node.
package link

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"xray-fleet/internal/domain"
)

// WSPath is the masquerade path of websocket inbounds.
const WSPath = "/vless-ws"

const fallbackHost = "example.com"

// Host returns the address clients dial: the inbound address, then its SNI,
// then the hostname of the node agent URL.
func Host(node domain.Node, inbound domain.Inbound) string {
	if inbound.Address != "" {
		return inbound.Address
	}
	if inbound.SNI != "" {
		return inbound.SNI
	}
	if u, err := url.Parse(node.URL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return fallbackHost
}

func fingerprint(inbound domain.Inbound) string {
	if inbound.RealityFingerprint != "" {
		return inbound.RealityFingerprint
	}
	return domain.DefaultFingerprint
}

// Build returns the vless:// URI of a client.
func Build(node domain.Node, inbound domain.Inbound, client domain.Client) (string, error) {
	if client.UUID == "" {
		return "", fmt.Errorf("client %d has no uuid", client.ID)
	}

	security := inbound.Security
	if security == "" {
		security = domain.SecurityNone
	}

	query := url.Values{}
	query.Set("encryption", "none")
	query.Set("security", string(security))

	switch {
	case inbound.Network == "ws":
		query.Set("type", "ws")
		query.Set("path", WSPath)
		if inbound.SNI != "" {
			query.Set("host", inbound.SNI)
		}
	case inbound.Network != "":
		query.Set("type", inbound.Network)
	default:
		query.Set("type", domain.DefaultNetwork)
	}

	switch security {
	case domain.SecurityReality:
		if inbound.RealityPublicKey == "" || inbound.RealityShortID == "" {
			return "", fmt.Errorf("inbound %d has no reality keys", inbound.ID)
		}
		query.Set("sni", inbound.SNI)
		query.Set("fp", fingerprint(inbound))
		query.Set("pbk", inbound.RealityPublicKey)
		query.Set("sid", inbound.RealityShortID)
	case domain.SecurityTLS:
		if inbound.SNI != "" {
			query.Set("sni", inbound.SNI)
		}
	}

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(client.UUID),
		Host:     net.JoinHostPort(Host(node, inbound), strconv.Itoa(inbound.Port)),
		RawQuery: query.Encode(),
		Fragment: client.Username,
	}
	return u.String(), nil
}

// Params are the fields carried by a vless URI.
type Params struct {
	UUID     string
	Server   string
	Port     int
	Name     string
	Type     string
	Security string
	Path     string
	Host     string
	SNI      string
	FP       string
	PBK      string
	SID      string
}

// Parse decodes a vless URI produced by Build or by a compatible client.
func Parse(raw string) (*Params, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("error parsing link: %w", err)
	}
	if u.Scheme != "vless" {
		return nil, fmt.Errorf("unsupported protocol: %s", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("missing user info in VLESS URL")
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host:port format in URL: %s", u.Host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	q := u.Query()
	p := &Params{
		UUID:     u.User.Username(),
		Server:   host,
		Port:     port,
		Name:     u.Fragment,
		Type:     q.Get("type"),
		Security: q.Get("security"),
		Path:     q.Get("path"),
		Host:     q.Get("host"),
		SNI:      q.Get("sni"),
		FP:       q.Get("fp"),
		PBK:      q.Get("pbk"),
		SID:      q.Get("sid"),
	}
	if p.Type == "" {
		p.Type = domain.DefaultNetwork
	}
	if p.Security == "" {
		p.Security = string(domain.SecurityNone)
	}
	return p, nil
}

// ShareConfig is the JSON share document handed to client applications.
type ShareConfig struct {
	V           string   `json:"v"`
	PS          string   `json:"ps"`
	Add         string   `json:"add"`
	Port        string   `json:"port"`
	ID          string   `json:"id"`
	AID         string   `json:"aid"`
	Net         string   `json:"net"`
	Type        string   `json:"type"`
	TLS         string   `json:"tls"`
	Path        string   `json:"path,omitempty"`
	Host        string   `json:"host,omitempty"`
	FP          string   `json:"fp,omitempty"`
	ServerNames []string `json:"serverNames,omitempty"`
	PBK         string   `json:"pbk,omitempty"`
	SID         string   `json:"sid,omitempty"`
}

// ClientConfig returns the share document of a client.
func ClientConfig(node domain.Node, inbound domain.Inbound, client domain.Client) ShareConfig {
	network := inbound.Network
	if network == "" {
		network = domain.DefaultNetwork
	}
	security := strings.ToLower(string(inbound.Security))
	if security == "" {
		security = string(domain.SecurityNone)
	}

	cfg := ShareConfig{
		V:    "2",
		PS:   client.Username,
		Add:  Host(node, inbound),
		Port: strconv.Itoa(inbound.Port),
		ID:   client.UUID,
		AID:  "0",
		Net:  network,
		Type: "none",
		TLS:  security,
	}
	if network == "ws" {
		cfg.Path = WSPath
		cfg.Host = inbound.SNI
	}
	if inbound.Security == domain.SecurityReality {
		sni := inbound.SNI
		if sni == "" {
			sni = fallbackHost
		}
		cfg.FP = fingerprint(inbound)
		cfg.ServerNames = []string{sni}
		cfg.PBK = inbound.RealityPublicKey
		cfg.SID = inbound.RealityShortID
	}
	return cfg
}
