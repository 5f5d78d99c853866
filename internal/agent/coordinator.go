// Package agent runs next to the xray daemon on a node: it validates
// pushed configurations with the daemon, swaps them into place atomically
// and restarts the daemon.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"xray-fleet/internal/config"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/metrics"
	"xray-fleet/internal/xray"
)

const configFileMode = 0o644

// Applied describes a successful apply.
type Applied struct {
	Node     string        `json:"node"`
	Path     string        `json:"path"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Coordinator serializes applies per node and drives each one through
// validate, swap and restart.
type Coordinator struct {
	configPath     string
	testTimeout    time.Duration
	restartTimeout time.Duration
	daemon         xray.Daemon
	metrics        domain.MetricsCollector
	logger         *zap.Logger
	board          *statusBoard

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(cfg *config.AgentConfig, daemon xray.Daemon, metrics domain.MetricsCollector, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		configPath:     cfg.Xray.ConfigPath,
		testTimeout:    cfg.Xray.TestTimeout(),
		restartTimeout: cfg.Supervisor.RestartTimeout(),
		daemon:         daemon,
		metrics:        metrics,
		logger:         logger.With(zap.String("component", "coordinator")),
		board:          newStatusBoard(),
		locks:          make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) lock(node string) func() {
	c.mu.Lock()
	l, ok := c.locks[node]
	if !ok {
		l = &sync.Mutex{}
		c.locks[node] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Status returns the latest apply state of a node.
func (c *Coordinator) Status(node string) Status {
	return c.board.get(node)
}

// Apply validates doc with the daemon, renames it over the live config and
// restarts the daemon. Applies for the same node never overlap. The live
// config is either the previous document or doc; a failed validation leaves
// it byte-identical and no temp file survives any return path.
func (c *Coordinator) Apply(ctx context.Context, node string, doc map[string]interface{}) (*Applied, error) {
	unlock := c.lock(node)
	defer unlock()

	start := time.Now()
	logger := c.logger.With(zap.String("node", node))
	c.board.begin(node)

	applied, err := c.apply(ctx, node, doc, logger)
	result := metrics.ResultApplied

	var applyErr *ApplyError
	switch {
	case err == nil:
		applied.Duration = time.Since(start)
		c.board.set(node, StateRestarted, nil)
		logger.Info("config applied",
			zap.String("path", applied.Path),
			zap.Int("bytes", applied.Bytes),
			zap.Duration("duration", time.Since(start)))
	case errors.As(err, &applyErr) && applyErr.Kind == KindRestartFailed:
		result = metrics.ResultRestartFailed
		c.board.set(node, StateRestartFailed, err)
		logger.Error("config updated but restart failed", zap.Error(err))
	case errors.As(err, &applyErr) && applyErr.Kind == KindInvalidConfig:
		result = metrics.ResultInvalidConfig
		c.board.set(node, StateRejected, err)
		logger.Warn("config rejected by daemon", zap.Error(err))
	default:
		result = metrics.ResultError
		c.board.set(node, StateRejected, err)
		logger.Error("config apply failed", zap.Error(err))
	}

	c.metrics.RecordApply(result, time.Since(start))
	return applied, err
}

func (c *Coordinator) apply(ctx context.Context, node string, doc map[string]interface{}, logger *zap.Logger) (*Applied, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, NewApplyError(KindInternal, "", fmt.Errorf("failed to encode config: %w", err))
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewApplyError(KindInternal, "", fmt.Errorf("failed to create config directory: %w", err))
	}

	tmpPath, err := writeTemp(dir, data)
	if err != nil {
		return nil, NewApplyError(KindInternal, "", err)
	}
	defer func() {
		if tmpPath == "" {
			return
		}
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove temp config", zap.String("path", tmpPath), zap.Error(err))
		}
	}()

	testCtx, cancel := context.WithTimeout(ctx, c.testTimeout)
	err = c.daemon.Test(testCtx, tmpPath)
	cancel()
	if err != nil {
		var cmdErr *xray.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Exited() {
			return nil, NewApplyError(KindInvalidConfig, cmdErr.Output, ErrInvalidConfig)
		}
		return nil, NewApplyError(KindInternal, "", fmt.Errorf("config test did not complete: %w", err))
	}

	// nothing has touched the live file yet, so a cancelled caller just discards the candidate
	if err := ctx.Err(); err != nil {
		return nil, NewApplyError(KindInternal, "", err)
	}

	if err := os.Rename(tmpPath, c.configPath); err != nil {
		return nil, NewApplyError(KindInternal, "", fmt.Errorf("failed to swap config: %w", err))
	}
	tmpPath = ""
	c.board.set(node, StateSwapped, nil)
	logger.Debug("config swapped", zap.String("path", c.configPath))

	// past the rename the restart must run to completion, bounded only by its own timeout
	restartCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.restartTimeout)
	defer cancel()
	if err := c.daemon.Restart(restartCtx); err != nil {
		output := ""
		var cmdErr *xray.CommandError
		if errors.As(err, &cmdErr) {
			output = cmdErr.Output
		}
		return nil, NewApplyError(KindRestartFailed, output, err)
	}

	return &Applied{
		Node:  node,
		Path:  c.configPath,
		Bytes: len(data),
	}, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "config.*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp config: %w", err)
	}
	path := f.Name()

	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(path)
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		return fail(fmt.Errorf("failed to write temp config: %w", err))
	}
	if err := f.Chmod(configFileMode); err != nil {
		return fail(fmt.Errorf("failed to chmod temp config: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync temp config: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close temp config: %w", err)
	}
	return path, nil
}
