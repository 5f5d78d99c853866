package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker represents a single goroutine draining the pool queue
type Worker interface {
	Start(context.Context)
	Stop()
}

type task struct {
	ctx  context.Context
	job  Job
	done chan<- error
}

type worker struct {
	id       int
	tasks    <-chan task
	logger   *zap.Logger
	stopOnce sync.Once
	stopChan chan struct{}
}

func newWorker(id int, tasks <-chan task, logger *zap.Logger) Worker {
	return &worker{
		id:       id,
		tasks:    tasks,
		logger:   logger.With(zap.Int("worker_id", id)),
		stopChan: make(chan struct{}),
	}
}

func (w *worker) Start(ctx context.Context) {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for {
		select {
		case t := <-w.tasks:
			t.done <- w.process(t)
		case <-ctx.Done():
			return
		case <-w.stopChan:
			w.logger.Debug("received stop signal")
			return
		}
	}
}

func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

func (w *worker) process(t task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panic recovered",
				zap.String("job", t.job.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = NewJobError(t.job.Name, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := t.job.Run(t.ctx); err != nil {
		w.logger.Debug("job failed",
			zap.String("job", t.job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return NewJobError(t.job.Name, err)
	}

	w.logger.Debug("job finished",
		zap.String("job", t.job.Name),
		zap.Duration("duration", time.Since(start)))
	return nil
}
