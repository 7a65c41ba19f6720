// Package worker runs a handler over items pulled from a queue.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/metrics"
	"github.com/JakeFAU/pncp-monitor/internal/queue"
)

// Handler processes one dequeued item. Failures are the handler's concern;
// the worker keeps consuming regardless.
type Handler[T any] func(ctx context.Context, item T)

// Worker consumes queue items until the queue is drained or ctx ends.
type Worker[T any] struct {
	id      int
	queue   queue.Queue[T]
	handler Handler[T]
	logger  *zap.Logger
}

// New constructs a Worker.
func New[T any](id int, q queue.Queue[T], handler Handler[T], logger *zap.Logger) *Worker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker[T]{
		id:      id,
		queue:   q,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks until the queue reports ErrClosed or ctx is done.
func (w *Worker[T]) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				w.logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		w.process(ctx, item)
	}
}

func (w *Worker[T]) process(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", zap.Any("panic", r))
		}
	}()
	w.handler(ctx, item)
}
