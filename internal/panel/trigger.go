package panel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"xray-fleet/internal/domain"
	"xray-fleet/internal/metrics"
)

// CycleFunc runs one coalesced apply cycle. An empty nodeIDs means every node.
type CycleFunc func(ctx context.Context, nodeIDs []int64) error

// Trigger coalesces bursts of change notifications. Every notification
// restarts a fixed countdown, and one cycle runs only once the countdown
// elapses untouched. Cycles never overlap: a notification arriving while a
// cycle runs arms the next countdown, whose cycle waits for the current one.
type Trigger struct {
	delay   time.Duration
	cycle   CycleFunc
	metrics domain.MetricsCollector
	logger  *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending map[int64]struct{}
	all     bool
	closed  bool

	cycleMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTrigger(delay time.Duration, cycle CycleFunc, metrics domain.MetricsCollector, logger *zap.Logger) *Trigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		delay:   delay,
		cycle:   cycle,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "trigger")),
		pending: make(map[int64]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NotifyChanged records that the given nodes changed, or every node when
// called without ids, and (re)starts the countdown.
func (t *Trigger) NotifyChanged(nodeIDs ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if len(nodeIDs) == 0 {
		t.all = true
	}
	for _, id := range nodeIDs {
		t.pending[id] = struct{}{}
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
	t.metrics.RecordNotification()
}

func (t *Trigger) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	var nodeIDs []int64
	if !t.all {
		nodeIDs = make([]int64, 0, len(t.pending))
		for id := range t.pending {
			nodeIDs = append(nodeIDs, id)
		}
		sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	}
	t.pending = make(map[int64]struct{})
	t.all = false
	t.timer = nil
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	t.run(nodeIDs)
}

func (t *Trigger) run(nodeIDs []int64) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.metrics.RecordCycle(metrics.ResultError)
			t.logger.Error("apply cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if t.ctx.Err() != nil {
		t.metrics.RecordCycle(metrics.ResultSkipped)
		return
	}

	if err := t.cycle(t.ctx, nodeIDs); err != nil {
		t.metrics.RecordCycle(metrics.ResultError)
		t.logger.Error("apply cycle failed, previous configs stay active",
			zap.Int64s("node_ids", nodeIDs),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	t.metrics.RecordCycle(metrics.ResultApplied)
	t.logger.Info("apply cycle finished",
		zap.Int64s("node_ids", nodeIDs),
		zap.Duration("duration", time.Since(start)))
}

// Pending reports whether a countdown is armed.
func (t *Trigger) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Close disarms the countdown, drops pending notifications and waits for an
// in-flight cycle until ctx ends.
func (t *Trigger) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	dropped := len(t.pending)
	t.mu.Unlock()

	if dropped > 0 {
		t.logger.Warn("dropping pending change notifications", zap.Int("nodes", dropped))
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return fmt.Errorf("waiting for apply cycle: %w", ctx.Err())
	}
}
