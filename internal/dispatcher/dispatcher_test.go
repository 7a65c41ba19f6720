package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/queue/memory"
)

// TestDispatcherBoundsConcurrency ensures no more than size handlers run at once.
func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue[int](10)
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	handled := map[int]bool{}

	d := NewPool(q, 3, func(_ context.Context, item int) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		mu.Lock()
		handled[item] = true
		mu.Unlock()
	}, zap.NewNop())

	for i := range 10 {
		if err := d.Enqueue(context.Background(), i); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not finish after queue drained")
	}

	if len(handled) != 10 {
		t.Fatalf("expected 10 handled items, got %d", len(handled))
	}
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent handlers, got %d", peak.Load())
	}
	if d.Size() != 3 {
		t.Fatalf("expected pool size 3, got %d", d.Size())
	}
}

// TestDispatcherRunStopsOnCancel verifies workers exit when ctx ends with an open queue.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue[int](1)
	d := NewPool(q, 2, func(context.Context, int) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, string) error { return q.err }

func (q *errorQueue) Dequeue(context.Context) (string, error) { return "", q.err }

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New[string](&errorQueue{err: errors.New("boom")}, nil)
	err := d.Enqueue(context.Background(), "SP")
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
