// Package dispatch decouples webhook acknowledgment from event
// processing. Handlers enqueue work and return immediately; a fixed
// worker pool drains the queue, and failures are logged rather than
// propagated to the webhook caller.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Task is one unit of deferred work. The context is the pool's own; it
// is canceled on shutdown, not tied to the originating request.
type Task func(ctx context.Context)

type Pool struct {
	log     *zap.Logger
	tasks   chan Task
	workers int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(log *zap.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pool{
		log:     log.Named("callevent.dispatch"),
		tasks:   make(chan Task, queueSize),
		workers: workers,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop drains queued tasks, then waits for in-flight work.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

// TryEnqueue submits a task without blocking. Returns false when the
// queue is full or the pool is stopped; the caller decides whether that
// is a shed or an error. The lock is held across the send so a task can
// never race Stop closing the channel.
func (p *Pool) TryEnqueue(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// QueueDepth reports the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.safeRun(ctx, task)
	}
}

func (p *Pool) safeRun(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}
