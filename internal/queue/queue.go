// Package queue defines the work queue contract used to fan collection work
// out to a bounded pool of workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue once a closed queue has been drained.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of work items.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}
