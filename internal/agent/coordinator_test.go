package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/metrics"
	"xray-fleet/internal/xray"
)

type fakeDaemon struct {
	mu         sync.Mutex
	testErr    error
	restartErr error
	onTest     func(ctx context.Context, path string)
	onRestart  func(ctx context.Context)
	tested     []string
	candidates [][]byte
	restarts   int
}

func (d *fakeDaemon) Test(ctx context.Context, path string) error {
	data, _ := os.ReadFile(path)
	d.mu.Lock()
	d.tested = append(d.tested, path)
	d.candidates = append(d.candidates, data)
	hook, err := d.onTest, d.testErr
	d.mu.Unlock()

	if hook != nil {
		hook(ctx, path)
	}
	return err
}

func (d *fakeDaemon) Restart(ctx context.Context) error {
	d.mu.Lock()
	d.restarts++
	hook, err := d.onRestart, d.restartErr
	d.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return err
}

func newTestCoordinator(t *testing.T, daemon xray.Daemon) (*Coordinator, string, *prometheus.Registry) {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Xray.ConfigPath = filepath.Join(t.TempDir(), "xray", "config.json")
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, zap.NewNop())
	return NewCoordinator(&cfg, daemon, collector, zap.NewNop()), cfg.Xray.ConfigPath, reg
}

func applyCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "xray_fleet_apply_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func tempFiles(t *testing.T, livePath string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(livePath), "config.*.json"))
	require.NoError(t, err)
	return matches
}

func sampleDoc() map[string]interface{} {
	return map[string]interface{}{
		"log":       map[string]interface{}{"loglevel": "warning"},
		"inbounds":  []interface{}{},
		"outbounds": []interface{}{map[string]interface{}{"protocol": "freedom"}},
	}
}

func TestApplySuccess(t *testing.T) {
	daemon := &fakeDaemon{}
	c, live, _ := newTestCoordinator(t, daemon)

	applied, err := c.Apply(context.Background(), "n1", sampleDoc())
	require.NoError(t, err)
	assert.Equal(t, live, applied.Path)
	assert.Equal(t, "n1", applied.Node)

	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, len(data), applied.Bytes)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "freedom", got["outbounds"].([]interface{})[0].(map[string]interface{})["protocol"])

	require.Len(t, daemon.tested, 1)
	assert.Equal(t, filepath.Dir(live), filepath.Dir(daemon.tested[0]))
	assert.Equal(t, data, daemon.candidates[0])
	assert.Equal(t, 1, daemon.restarts)
	assert.Empty(t, tempFiles(t, live))

	info, err := os.Stat(live)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFileMode), info.Mode().Perm())

	status := c.Status("n1")
	assert.Equal(t, StateRestarted, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.False(t, status.LastApplied.IsZero())
}

func TestApplyFailures(t *testing.T) {
	previous := []byte(`{"previous": true}`)

	tests := []struct {
		name        string
		daemon      *fakeDaemon
		wantErr     error
		wantState   State
		wantLive    bool // live file replaced by the candidate
		wantOutput  string
		wantRestart int
		wantResult  string
	}{
		{
			name: "daemon rejects config",
			daemon: &fakeDaemon{testErr: &xray.CommandError{
				Command: "xray -test", ExitCode: 23, Output: "Failed to start: invalid inbound",
			}},
			wantErr:    ErrInvalidConfig,
			wantState:  StateRejected,
			wantOutput: "Failed to start: invalid inbound",
			wantResult: metrics.ResultInvalidConfig,
		},
		{
			name: "config test never ran",
			daemon: &fakeDaemon{testErr: &xray.CommandError{
				Command: "xray -test", ExitCode: -1, Err: errors.New("executable file not found"),
			}},
			wantErr:    ErrInternal,
			wantState:  StateRejected,
			wantResult: metrics.ResultError,
		},
		{
			name: "restart fails after swap",
			daemon: &fakeDaemon{restartErr: &xray.CommandError{
				Command: "supervisorctl restart xray", ExitCode: 7, Output: "xray: ERROR (spawn error)",
			}},
			wantErr:     ErrRestartFailed,
			wantState:   StateRestartFailed,
			wantLive:    true,
			wantOutput:  "xray: ERROR (spawn error)",
			wantRestart: 1,
			wantResult:  metrics.ResultRestartFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, live, reg := newTestCoordinator(t, tt.daemon)
			require.NoError(t, os.MkdirAll(filepath.Dir(live), 0o755))
			require.NoError(t, os.WriteFile(live, previous, 0o644))

			_, err := c.Apply(context.Background(), "n1", sampleDoc())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var applyErr *ApplyError
			require.True(t, errors.As(err, &applyErr))
			assert.Equal(t, tt.wantOutput, applyErr.Output)
			assert.Equal(t, tt.wantLive, applyErr.ConfigUpdated())

			data, err := os.ReadFile(live)
			require.NoError(t, err)
			if tt.wantLive {
				assert.Equal(t, tt.daemon.candidates[0], data)
			} else {
				assert.Equal(t, previous, data)
			}

			assert.Empty(t, tempFiles(t, live))
			assert.Equal(t, tt.wantRestart, tt.daemon.restarts)
			assert.Equal(t, tt.wantState, c.Status("n1").State)
			assert.NotEmpty(t, c.Status("n1").LastError)
			assert.Equal(t, 1.0, applyCount(t, reg, tt.wantResult))
		})
	}
}

func TestApplyCancelledBeforeSwap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	daemon := &fakeDaemon{onTest: func(context.Context, string) { cancel() }}
	c, live, _ := newTestCoordinator(t, daemon)

	_, err := c.Apply(ctx, "n1", sampleDoc())
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(live)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, tempFiles(t, live))
	assert.Zero(t, daemon.restarts)
}

func TestApplyRestartOutlivesCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var restartCtxErr error
	var hasDeadline bool
	daemon := &fakeDaemon{onRestart: func(restartCtx context.Context) {
		cancel()
		restartCtxErr = restartCtx.Err()
		_, hasDeadline = restartCtx.Deadline()
	}}
	c, _, _ := newTestCoordinator(t, daemon)

	_, err := c.Apply(ctx, "n1", sampleDoc())
	require.NoError(t, err)
	assert.NoError(t, restartCtxErr)
	assert.True(t, hasDeadline)
}

func TestApplySerializesPerNode(t *testing.T) {
	var active, peak int32
	daemon := &fakeDaemon{onTest: func(context.Context, string) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}}
	c, live, _ := newTestCoordinator(t, daemon)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Apply(context.Background(), "n1", sampleDoc())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, 5, daemon.restarts)
	assert.Equal(t, 5, c.Status("n1").Attempts)
	assert.Empty(t, tempFiles(t, live))
}

func TestStatusDefaultsToIdle(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeDaemon{})
	assert.Equal(t, Status{Node: "n9", State: StateIdle}, c.Status("n9"))
	assert.False(t, StateValidating.Terminal())
	assert.True(t, StateRestartFailed.Terminal())
}
