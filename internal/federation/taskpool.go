// Package federation supervises the long-lived federation workers: delivery,
// stale actor cleanup, domain policy refresh, and a bounded pool for async
// sub-work. Everything starts together when federation is enabled and drains
// together on shutdown.
package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// drainTimeout bounds how long shutdown waits for in-flight tasks.
const drainTimeout = 30 * time.Second

// TaskPool runs short-lived background tasks (Accept delivery, DM publish)
// on a bounded number of goroutines. Once shutdown begins, new tasks are
// refused and in-flight tasks are drained.
type TaskPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	accepting bool
}

func NewTaskPool(size int) *TaskPool {
	if size <= 0 {
		size = 10
	}
	return &TaskPool{sem: make(chan struct{}, size)}
}

// Start arms the pool under the supervisor's context.
func (p *TaskPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.accepting = true
}

// Go schedules fn on the pool, blocking while the pool is full. It reports
// false when the pool is shut down or shutting down.
func (p *TaskPool) Go(name string, fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if !p.accepting {
		p.mu.Unlock()
		slog.Warn("task refused, pool not accepting", "task", name)
		return false
	}
	ctx := p.ctx
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case p.sem <- struct{}{}:
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task panicked", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
	return true
}

// Stop refuses new tasks and waits for in-flight tasks to finish, up to the
// drain timeout.
func (p *TaskPool) Stop() {
	p.mu.Lock()
	p.accepting = false
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("task pool drain timed out")
	}
	if cancel != nil {
		cancel()
	}
}
