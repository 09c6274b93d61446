package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sarathsp06/tenanthooks/internal/logger"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer has no room. The
	// delivery stays pending and is picked up by the retry scheduler.
	ErrQueueFull = errors.New("work queue is full")
	// ErrPoolStopped is returned by Enqueue after Stop.
	ErrPoolStopped = errors.New("work queue is stopped")
)

// Handler processes one delivery ID.
type Handler func(ctx context.Context, deliveryID string) error

// Pool is an in-process work queue: a buffered channel of delivery IDs
// drained by a fixed number of goroutines. It is used when no database is
// configured.
type Pool struct {
	workers int
	handler Handler
	ids     chan string
	log     *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool with workers consumers and room for buffer queued IDs.
func NewPool(workers, buffer int, handler Handler) *Pool {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Pool{
		workers: workers,
		handler: handler,
		ids:     make(chan string, buffer),
		log:     logger.NewLogger("work-pool"),
	}
}

// Start launches the consumers. Handlers run with a context derived from ctx
// that is cancelled when Stop gives up waiting.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.consume(ctx)
	}
	p.log.Info("Work pool started", "workers", p.workers, "buffer", cap(p.ids))
}

func (p *Pool) consume(ctx context.Context) {
	defer p.wg.Done()
	for id := range p.ids {
		if ctx.Err() != nil {
			// Shutting down; the delivery stays due in storage.
			continue
		}
		if err := p.handler(ctx, id); err != nil {
			p.log.Error("Delivery handler failed", "delivery_id", id, "error", err)
		}
	}
}

// Enqueue queues a delivery ID without blocking.
func (p *Pool) Enqueue(_ context.Context, deliveryID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.ids <- deliveryID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued IDs not yet picked up.
func (p *Pool) Len() int {
	return len(p.ids)
}

// Stop stops accepting IDs and waits for queued ones to drain. If ctx ends
// first, running handlers are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ids)
	cancel := p.cancel
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-drained
		return ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	p.log.Info("Work pool stopped")
	return nil
}
