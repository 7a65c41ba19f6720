package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/queue/memory"
)

func TestWorkerDrainsClosedQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue[string](3)
	for _, r := range []string{"AC", "AL", "AM"} {
		require.NoError(t, q.Enqueue(context.Background(), r))
	}
	q.Close()

	var mu sync.Mutex
	var seen []string
	w := New(1, q, func(_ context.Context, item string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, item)
	}, zap.NewNop())

	w.Run(context.Background())
	require.Equal(t, []string{"AC", "AL", "AM"}, seen)
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.NoError(t, q.Enqueue(context.Background(), 2))
	q.Close()

	var handled []int
	w := New(1, q, func(_ context.Context, item int) {
		handled = append(handled, item)
		if item == 1 {
			panic("boom")
		}
	}, nil)

	w.Run(context.Background())
	require.Equal(t, []int{1, 2}, handled)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(1, q, func(context.Context, int) {}, nil).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

type failingQueue struct{ calls int }

func (q *failingQueue) Enqueue(context.Context, int) error { return nil }

func (q *failingQueue) Dequeue(context.Context) (int, error) {
	q.calls++
	return 0, errors.New("backend unavailable")
}

func TestWorkerStopsOnDequeueError(t *testing.T) {
	t.Parallel()

	q := &failingQueue{}
	New(1, q, func(context.Context, int) { t.Fatal("handler must not run") }, nil).Run(context.Background())
	require.Equal(t, 1, q.calls)
}
