package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnqueueReturnsWhileWorkerBlocked(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 4)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	require.True(t, pool.TryEnqueue(func(ctx context.Context) {
		close(running)
		<-release
	}))
	<-running

	// The worker is stuck; enqueueing must still return immediately.
	start := time.Now()
	require.True(t, pool.TryEnqueue(func(ctx context.Context) {}))
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
}

func TestEnqueueShedsWhenQueueFull(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 1)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	require.True(t, pool.TryEnqueue(func(ctx context.Context) {
		close(running)
		<-release
	}))
	<-running

	require.True(t, pool.TryEnqueue(func(ctx context.Context) {}))

	// Worker busy and queue full: the next submit is shed, not blocked.
	require.False(t, pool.TryEnqueue(func(ctx context.Context) {}))

	close(release)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	pool := NewPool(zap.NewNop(), 2, 16)
	pool.Start()

	var done atomic.Int64
	for i := 0; i < 10; i++ {
		require.True(t, pool.TryEnqueue(func(ctx context.Context) {
			done.Add(1)
		}))
	}

	pool.Stop()
	require.Equal(t, int64(10), done.Load())
}

func TestEnqueueAfterStopIsRejected(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 4)
	pool.Start()
	pool.Stop()

	// A straggler submit after shutdown is shed, never a panic.
	require.False(t, pool.TryEnqueue(func(ctx context.Context) {}))
}

func TestEnqueueBeforeStartIsRejected(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 4)
	require.False(t, pool.TryEnqueue(func(ctx context.Context) {}))
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 4)
	pool.Start()

	require.True(t, pool.TryEnqueue(func(ctx context.Context) {
		panic("boom")
	}))

	ran := make(chan struct{})
	require.True(t, pool.TryEnqueue(func(ctx context.Context) {
		close(ran)
	}))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	pool.Stop()
}
