package xray

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
)

func newTestRenderer(t *testing.T, mutate func(*config.PanelConfig)) *Renderer {
	t.Helper()
	cfg := config.DefaultPanelConfig()
	cfg.Render.CertRoot = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRenderer(&cfg)
}

func realityInbound(name string) domain.Inbound {
	in := domain.Inbound{
		ID:                1,
		NodeID:            1,
		Name:              name,
		Security:          domain.SecurityReality,
		SNI:               "example.com",
		RealityPrivateKey: "cHJpdmF0ZQ",
		RealityPublicKey:  "cHVibGlj",
		RealityShortID:    "0123456789abcdef",
	}
	in.ApplyDefaults()
	return in
}

func writeCertificates(t *testing.T, root, sni string) {
	t.Helper()
	certFile, keyFile := CertificatePaths(root, sni)
	require.NoError(t, os.MkdirAll(filepath.Dir(certFile), 0755))
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0644))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0600))
}

func TestRenderReality(t *testing.T) {
	r := newTestRenderer(t, nil)
	graph := domain.NodeGraph{
		Node: domain.Node{ID: 1, Name: "n1"},
		Inbounds: []domain.InboundGraph{{
			Inbound: realityInbound("i1"),
			Clients: []domain.Client{
				{ID: 1, Username: "alice", UUID: "uuid-a"},
				{ID: 2, Username: "bob", UUID: "uuid-b", Level: 2},
			},
		}},
	}

	cfg, err := r.Render(graph)
	require.NoError(t, err)

	assert.Equal(t, "warning", cfg.Log.LogLevel)
	assert.Equal(t, []OutboundConfig{{Protocol: "freedom"}}, cfg.Outbounds)
	require.Len(t, cfg.Inbounds, 1)

	inbound := cfg.Inbounds[0]
	assert.Equal(t, "0.0.0.0", inbound.Listen)
	assert.Equal(t, 443, inbound.Port)
	assert.Equal(t, "vless", inbound.Protocol)
	assert.Equal(t, "none", inbound.Settings.Decryption)
	assert.Equal(t, []ClientConfig{
		{ID: "uuid-a", Email: "alice", Level: 0},
		{ID: "uuid-b", Email: "bob", Level: 2},
	}, inbound.Settings.Clients)
	assert.Equal(t, SniffingConfig{Enabled: true, DestOverride: []string{"http", "tls"}}, inbound.Sniffing)

	stream := inbound.StreamSettings
	assert.Equal(t, "tcp", stream.Network)
	assert.Equal(t, "reality", stream.Security)
	assert.Nil(t, stream.TLSSettings)
	require.NotNil(t, stream.RealitySettings)
	assert.Equal(t, false, stream.RealitySettings.Show)
	assert.Equal(t, "example.com:443", stream.RealitySettings.Dest)
	assert.Equal(t, 0, stream.RealitySettings.Xver)
	assert.Equal(t, []string{"example.com"}, stream.RealitySettings.ServerNames)
	assert.Equal(t, []string{"0123456789abcdef"}, stream.RealitySettings.ShortIDs)
	assert.Equal(t, "cHJpdmF0ZQ", stream.RealitySettings.PrivateKey)
	assert.Equal(t, "/", stream.RealitySettings.SpiderX)
}

func TestRenderRealityShowAutoAndExplicitDest(t *testing.T) {
	r := newTestRenderer(t, func(cfg *config.PanelConfig) {
		cfg.Render.RealityShow = config.RealityShowAuto
	})
	in := realityInbound("i1")
	in.RealityDest = "www.microsoft.com:443"

	cfg, err := r.Render(domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: in}}})
	require.NoError(t, err)

	reality := cfg.Inbounds[0].StreamSettings.RealitySettings
	assert.Equal(t, "auto", reality.Show)
	assert.Equal(t, "www.microsoft.com:443", reality.Dest)
}

func TestRenderTLS(t *testing.T) {
	r := newTestRenderer(t, nil)
	writeCertificates(t, r.certRoot, "tls.example.com")

	in := domain.Inbound{Name: "tls", Security: domain.SecurityTLS, SNI: "tls.example.com", Network: "ws"}
	in.ApplyDefaults()

	cfg, err := r.Render(domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: in}}})
	require.NoError(t, err)

	stream := cfg.Inbounds[0].StreamSettings
	assert.Equal(t, "ws", stream.Network)
	assert.Equal(t, "tls", stream.Security)
	assert.Nil(t, stream.RealitySettings)
	require.NotNil(t, stream.TLSSettings)
	require.Len(t, stream.TLSSettings.Certificates, 1)
	assert.Equal(t, filepath.Join(r.certRoot, "tls.example.com", "fullchain.pem"), stream.TLSSettings.Certificates[0].CertificateFile)
	assert.Equal(t, filepath.Join(r.certRoot, "tls.example.com", "privkey.pem"), stream.TLSSettings.Certificates[0].KeyFile)
}

func TestRenderNoneHasNoSecurityBlock(t *testing.T) {
	r := newTestRenderer(t, nil)
	in := domain.Inbound{Name: "plain", Security: domain.SecurityNone}
	in.ApplyDefaults()

	cfg, err := r.Render(domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: in}}})
	require.NoError(t, err)

	data, err := json.Marshal(cfg.Inbounds[0].StreamSettings)
	require.NoError(t, err)
	assert.JSONEq(t, `{"network":"tcp"}`, string(data))
}

func TestRenderValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		inbound func() domain.Inbound
		field   string
	}{
		{
			name: "Reality without short id",
			inbound: func() domain.Inbound {
				in := realityInbound("r")
				in.RealityShortID = ""
				return in
			},
			field: "reality_short_id",
		},
		{
			name: "Reality without private key",
			inbound: func() domain.Inbound {
				in := realityInbound("r")
				in.RealityPrivateKey = ""
				return in
			},
			field: "reality_private_key",
		},
		{
			name: "Reality without sni",
			inbound: func() domain.Inbound {
				in := realityInbound("r")
				in.SNI = ""
				return in
			},
			field: "sni",
		},
		{
			name: "TLS without certificates",
			inbound: func() domain.Inbound {
				return domain.Inbound{Name: "t", Security: domain.SecurityTLS, SNI: "missing.example.com"}
			},
			field: "certificate",
		},
		{
			name: "TLS without sni",
			inbound: func() domain.Inbound {
				return domain.Inbound{Name: "t", Security: domain.SecurityTLS}
			},
			field: "sni",
		},
		{
			name: "Unknown security mode",
			inbound: func() domain.Inbound {
				return domain.Inbound{Name: "u", Security: "xtls"}
			},
			field: "security",
		},
	}

	r := newTestRenderer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph := domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: tt.inbound()}}}

			cfg, err := r.Render(graph)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.True(t, errors.Is(err, ErrValidation))

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)

			assert.ErrorIs(t, r.CheckInbound(tt.inbound()), ErrValidation)
		})
	}
}

func TestRenderTLSUsesFileCheck(t *testing.T) {
	var checked []string
	r := newTestRenderer(t, nil).WithFileCheck(func(path string) bool {
		checked = append(checked, path)
		return true
	})

	in := domain.Inbound{Name: "t", Security: domain.SecurityTLS, SNI: "a.example.com"}
	_, err := r.Render(domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: in}}})
	require.NoError(t, err)
	assert.Len(t, checked, 2)
}

func TestRenderIsDeterministic(t *testing.T) {
	r := newTestRenderer(t, nil)
	plain := domain.Inbound{Name: "plain", Security: domain.SecurityNone, Port: 8080}
	plain.ApplyDefaults()
	graph := domain.NodeGraph{
		Inbounds: []domain.InboundGraph{
			{Inbound: realityInbound("first"), Clients: []domain.Client{{Username: "z", UUID: "1"}, {Username: "a", UUID: "2"}}},
			{Inbound: plain},
		},
	}

	first, err := r.Render(graph)
	require.NoError(t, err)
	second, err := r.Render(graph)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Equal(t, 443, first.Inbounds[0].Port)
	assert.Equal(t, 8080, first.Inbounds[1].Port)
	assert.Equal(t, "z", first.Inbounds[0].Settings.Clients[0].Email)
}

func TestRenderEmptyClientsSerializeAsArray(t *testing.T) {
	r := newTestRenderer(t, nil)

	cfg, err := r.Render(domain.NodeGraph{Inbounds: []domain.InboundGraph{{Inbound: realityInbound("i1")}}})
	require.NoError(t, err)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	inbounds := doc["inbounds"].([]interface{})
	settings := inbounds[0].(map[string]interface{})["settings"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, settings["clients"])
	assert.Equal(t, map[string]interface{}{"loglevel": "warning"}, doc["log"])
	assert.Equal(t, []interface{}{map[string]interface{}{"protocol": "freedom"}}, doc["outbounds"])
}
