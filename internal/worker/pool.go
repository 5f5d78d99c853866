// Package worker runs bounded fan-out work, such as pushing rendered
// configurations to several nodes at once, and periodic schedules.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"xray-fleet/internal/config"
)

// Job is one unit of work executed by the pool.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Pool struct {
	workers         []Worker
	tasks           chan task
	logger          *zap.Logger
	wg              sync.WaitGroup
	cancel          context.CancelFunc
	mu              sync.Mutex
	stopped         chan struct{}
	isStarted       bool
	shutdownTimeout time.Duration
}

// NewPool sizes the pool from the push configuration.
func NewPool(cfg *config.PanelConfig, logger *zap.Logger) *Pool {
	return New(cfg.Push.Workers, logger)
}

// New returns a pool of size workers. The pool must be started before use.
func New(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	logger = logger.With(zap.String("component", "worker_pool"))
	tasks := make(chan task)

	workers := make([]Worker, size)
	for i := range workers {
		workers[i] = newWorker(i, tasks, logger)
	}

	return &Pool{
		workers:         workers,
		tasks:           tasks,
		logger:          logger,
		stopped:         make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isStarted {
		return fmt.Errorf("worker pool already started")
	}
	select {
	case <-p.stopped:
		return ErrPoolStopped
	default:
	}
	p.isStarted = true

	poolCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(worker Worker) {
			defer p.wg.Done()
			worker.Start(poolCtx)
		}(w)
	}

	p.logger.Info("worker pool started", zap.Int("worker_count", len(p.workers)))
	return nil
}

func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.isStarted {
		p.mu.Unlock()
		return nil
	}
	p.isStarted = false
	close(p.stopped)
	p.cancel()
	p.mu.Unlock()

	p.logger.Debug("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool stopped gracefully")
		return nil
	case <-time.After(p.shutdownTimeout):
		return fmt.Errorf("worker pool shutdown timed out")
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run executes jobs on the pool and waits for all of them. At most Size jobs
// run at once. The returned error joins every JobError; jobs that never
// started because ctx ended or the pool stopped are reported too.
func (p *Pool) Run(ctx context.Context, jobs []Job) error {
	p.mu.Lock()
	started := p.isStarted
	p.mu.Unlock()
	if !started {
		return ErrPoolStopped
	}

	results := make(chan error, len(jobs))
	var errs []error

	submitted := 0
submit:
	for _, job := range jobs {
		select {
		case p.tasks <- task{ctx: ctx, job: job, done: results}:
			submitted++
		case <-ctx.Done():
			errs = append(errs, NewJobError(job.Name, ctx.Err()))
		case <-p.stopped:
			for _, rest := range jobs[submitted+len(errs):] {
				errs = append(errs, NewJobError(rest.Name, ErrPoolStopped))
			}
			break submit
		}
	}

	for i := 0; i < submitted; i++ {
		select {
		case err := <-results:
			if err != nil {
				errs = append(errs, err)
			}
		case <-p.stopped:
			// results is buffered, in-flight jobs never block on delivery
			errs = append(errs, ErrPoolStopped)
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
