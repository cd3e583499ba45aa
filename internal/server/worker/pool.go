// Package worker is a bounded task queue served by a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("task queue is full")

	// ErrStopped is returned after Shutdown
	ErrStopped = errors.New("worker pool stopped")
)

// Task is a unit of background work; ctx is cancelled on Shutdown
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of workers
type Pool struct {
	logger *slog.Logger
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New starts workers goroutines with a queue of queueSize pending tasks
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}

	return p
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "worker", id, "panic", r)
		}
	}()
	task(p.ctx)
}

// Submit enqueues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, waiting for a free slot until ctx is done
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Pending returns the number of queued tasks not yet picked up
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Shutdown stops accepting tasks, cancels running ones and waits for workers
// until ctx expires. Queued tasks still run with a cancelled context.
func (p *Pool) Shutdown(ctx context.Context) error {
	// отменяем контекст до захвата мьютекса: SubmitWait держит RLock во время ожидания
	p.cancel()

	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
