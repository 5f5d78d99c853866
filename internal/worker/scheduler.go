package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler fires a tick function at a fixed interval until stopped.
type Scheduler interface {
	Start(context.Context)
	Stop() error
	IsHealthy() bool
}

type defaultScheduler struct {
	name     string
	interval time.Duration
	tick     func(context.Context)
	logger   *zap.Logger
	mu       sync.RWMutex
	stopping bool
}

// NewScheduler returns a scheduler calling tick once at start and then every
// interval.
func NewScheduler(name string, interval time.Duration, tick func(context.Context), logger *zap.Logger) Scheduler {
	return &defaultScheduler{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logger.With(zap.String("component", "scheduler"), zap.String("schedule", name)),
	}
}

func (s *defaultScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ticker.C:
			s.fire(ctx)
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped", zap.Error(ctx.Err()))
			return
		}
	}
}

func (s *defaultScheduler) fire(ctx context.Context) {
	s.mu.RLock()
	stopping := s.stopping
	s.mu.RUnlock()
	if stopping {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	s.logger.Debug("scheduled tick")
	s.tick(ctx)
}

func (s *defaultScheduler) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	return nil
}

func (s *defaultScheduler) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopping
}
