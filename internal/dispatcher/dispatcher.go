// Package dispatcher manages worker fan-out over a queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/queue"
	"github.com/JakeFAU/pncp-monitor/internal/worker"
)

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher[T any] struct {
	queue   queue.Queue[T]
	workers []*worker.Worker[T]
}

// New creates a Dispatcher.
func New[T any](q queue.Queue[T], workers []*worker.Worker[T]) *Dispatcher[T] {
	return &Dispatcher[T]{
		queue:   q,
		workers: workers,
	}
}

// NewPool builds a Dispatcher with size workers sharing handler.
func NewPool[T any](q queue.Queue[T], size int, handler worker.Handler[T], logger *zap.Logger) *Dispatcher[T] {
	if size < 1 {
		size = 1
	}
	workers := make([]*worker.Worker[T], 0, size)
	for i := range size {
		workers = append(workers, worker.New(i+1, q, handler, logger))
	}
	return New(q, workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens once the queue is closed and drained or ctx is done.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker[T]) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Size is the number of workers.
func (d *Dispatcher[T]) Size() int {
	return len(d.workers)
}
