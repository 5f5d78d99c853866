package panel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"xray-fleet/internal/metrics"
)

type cycleRecorder struct {
	mu     sync.Mutex
	calls  [][]int64
	active int32
	peak   int32
	hold   time.Duration
	err    error
}

func (c *cycleRecorder) run(ctx context.Context, nodeIDs []int64) error {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		peak := atomic.LoadInt32(&c.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&c.peak, peak, n) {
			break
		}
	}

	c.mu.Lock()
	c.calls = append(c.calls, nodeIDs)
	c.mu.Unlock()

	if c.hold > 0 {
		time.Sleep(c.hold)
	}
	return c.err
}

func (c *cycleRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *cycleRecorder) call(i int) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func newTestTrigger(t *testing.T, delay time.Duration, cycle CycleFunc) *Trigger {
	t.Helper()
	collector := metrics.NewCollector(prometheus.NewRegistry(), zap.NewNop())
	tr := NewTrigger(delay, cycle, collector, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestTriggerCoalescesBurst(t *testing.T) {
	rec := &cycleRecorder{}
	tr := newTestTrigger(t, 50*time.Millisecond, rec.run)

	for i := 0; i < 10; i++ {
		tr.NotifyChanged(int64(i%3 + 1))
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, tr.Pending())

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []int64{1, 2, 3}, rec.call(0))
	assert.False(t, tr.Pending())
}

func TestTriggerSpacedNotificationsEachFire(t *testing.T) {
	rec := &cycleRecorder{}
	tr := newTestTrigger(t, 10*time.Millisecond, rec.run)

	for i := 1; i <= 3; i++ {
		tr.NotifyChanged(int64(i))
		require.Eventually(t, func() bool { return rec.count() == i }, time.Second, 2*time.Millisecond)
	}
	assert.Equal(t, []int64{1}, rec.call(0))
	assert.Equal(t, []int64{3}, rec.call(2))
}

func TestTriggerWithoutIDsMeansAllNodes(t *testing.T) {
	rec := &cycleRecorder{}
	tr := newTestTrigger(t, 10*time.Millisecond, rec.run)

	tr.NotifyChanged(4)
	tr.NotifyChanged()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 2*time.Millisecond)
	assert.Nil(t, rec.call(0))
}

func TestTriggerNeverOverlapsCycles(t *testing.T) {
	rec := &cycleRecorder{hold: 40 * time.Millisecond}
	tr := newTestTrigger(t, 5*time.Millisecond, rec.run)

	tr.NotifyChanged(1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&rec.active) == 1 }, time.Second, time.Millisecond)

	// arrives mid-cycle: picked up by the next countdown, not dropped
	tr.NotifyChanged(2)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, []int64{2}, rec.call(1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.peak))
}

func TestTriggerSurvivesFailuresAndPanics(t *testing.T) {
	var calls int32
	tr := newTestTrigger(t, 5*time.Millisecond, func(context.Context, []int64) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("cycle exploded")
		}
		return errors.New("node unreachable")
	})

	tr.NotifyChanged(1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	tr.NotifyChanged(1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, time.Millisecond)
}

func TestTriggerCloseDropsPending(t *testing.T) {
	rec := &cycleRecorder{}
	tr := newTestTrigger(t, 30*time.Millisecond, rec.run)

	tr.NotifyChanged(1)
	require.NoError(t, tr.Close(context.Background()))
	tr.NotifyChanged(2)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.False(t, tr.Pending())
}

func TestTriggerCloseWaitsForCycle(t *testing.T) {
	rec := &cycleRecorder{hold: 30 * time.Millisecond}
	tr := newTestTrigger(t, time.Millisecond, rec.run)

	tr.NotifyChanged(1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&rec.active) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, tr.Close(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&rec.active))
}
