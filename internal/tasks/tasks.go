// Package tasks runs detached background work on a bounded worker pool.
//
// Content post-processing and cleanup must not block the request that
// triggered them. Callers submit a closure and move on; workers drain the
// queue until Stop.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
)

// Task is a unit of detached work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes submitted tasks on a fixed set of workers.
type Runner struct {
	queue   chan Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int

	mu      sync.Mutex
	stopped bool
}

// NewRunner creates a runner with the given worker count and queue depth.
func NewRunner(workers, queueDepth int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Runner{
		queue:   make(chan Task, queueDepth),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	logging.Info("task runner started", zap.Int("workers", r.workers))
}

// Stop signals workers to finish queued tasks and waits for them.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
	logging.Info("task runner stopped")
}

// Submit enqueues a task without blocking. When the queue is full the task
// is dropped and reported, never run inline.
func (r *Runner) Submit(task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		metrics.RecordDetachedTask(task.Name, "dropped")
		return false
	}

	select {
	case r.queue <- task:
		return true
	default:
		logging.Warn("task queue full, dropping", zap.String("task", task.Name))
		metrics.RecordDetachedTask(task.Name, "dropped")
		return false
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for task := range r.queue {
		if ctx.Err() != nil {
			metrics.RecordDetachedTask(task.Name, "dropped")
			continue
		}
		if err := task.Run(ctx); err != nil {
			logging.Warn("detached task failed",
				zap.String("task", task.Name),
				zap.Error(err))
			metrics.RecordDetachedTask(task.Name, "failed")
			continue
		}
		metrics.RecordDetachedTask(task.Name, "ok")
	}
}
