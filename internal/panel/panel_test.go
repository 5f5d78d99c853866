package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/metrics"
	"xray-fleet/internal/store"
	"xray-fleet/internal/worker"
	"xray-fleet/internal/xray"
)

type pushRequest struct {
	NodeKey string
	Config  map[string]interface{}
}

// fakeAgent is a node agent answering every apply with status.
type fakeAgent struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []pushRequest
	server   *httptest.Server
}

func newFakeAgent(t *testing.T, status int, body string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{status: status, body: body}
	a.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apply-config" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var payload struct {
			Config map[string]interface{} `json:"config"`
		}
		_ = json.Unmarshal(raw, &payload)

		a.mu.Lock()
		a.requests = append(a.requests, pushRequest{NodeKey: r.Header.Get(NodeKeyHeader), Config: payload.Config})
		status, body := a.status, a.body
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(a.server.Close)
	return a
}

func (a *fakeAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *fakeAgent) last() pushRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

// unreachableURL returns the URL of a server that is already closed.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

type testPanel struct {
	cfg        *config.PanelConfig
	store      store.Store
	registry   *prometheus.Registry
	dispatcher *Dispatcher
	trigger    *Trigger
	service    *Service
	handler    http.Handler
}

func newTestPanel(t *testing.T, mutate func(*config.PanelConfig)) *testPanel {
	t.Helper()
	cfg := config.DefaultPanelConfig()
	cfg.Render.CertRoot = t.TempDir()
	cfg.Push.DebounceSeconds = 0.02
	cfg.Push.TimeoutSeconds = 2
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, logger)
	st := store.NewMemory()

	pool := worker.New(cfg.Push.Workers, logger)
	require.NoError(t, pool.Start(context.Background()))

	renderer := xray.NewRenderer(&cfg)
	dispatcher := NewDispatcher(&cfg, st, renderer, pool, collector, logger)
	trigger := NewTrigger(cfg.Push.Debounce(), dispatcher.PushAll, collector, logger)
	service := NewService(&cfg, st, renderer, dispatcher, trigger, collector, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trigger.Close(ctx)
		_ = pool.Stop()
		_ = st.Close()
	})

	return &testPanel{
		cfg:        &cfg,
		store:      st,
		registry:   reg,
		dispatcher: dispatcher,
		trigger:    trigger,
		service:    service,
		handler:    NewHandler(&cfg, service, reg, logger).Routes(),
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
