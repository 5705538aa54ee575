package actorsys

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnProcessesMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []int

	ref, stop := Spawn[int](ctx, 8, func(_ context.Context, msg int) error {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		return nil
	})
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, ref.Send(ctx, i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestSendAfterStopReturnsErrMailboxClosed(t *testing.T) {
	ctx := context.Background()
	ref, stop := Spawn[int](ctx, 1, func(context.Context, int) error { return nil })
	stop()

	err := ref.Send(ctx, 1)
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestTrySendReturnsErrMailboxFullWhenSaturated(t *testing.T) {
	ctx := context.Background()
	block := make(chan struct{})
	ref, stop := Spawn[int](ctx, 1, func(context.Context, int) error {
		<-block
		return nil
	})
	defer func() {
		close(block)
		stop()
	}()

	// First send is picked up by the handler goroutine immediately,
	// second fills the buffered capacity of 1, third should overflow.
	require.NoError(t, ref.TrySend(1))
	require.Eventually(t, func() bool {
		return ref.TrySend(2) == nil
	}, time.Second, time.Millisecond)

	err := ref.TrySend(3)
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestSpawnWithStopInvokesOnStopOnce(t *testing.T) {
	ctx := context.Background()
	var calls int32
	ref, stop := SpawnWithStop[int](ctx, 1, func(context.Context, int) error { return nil }, func() {
		atomic.AddInt32(&calls, 1)
	})
	_ = ref

	stop()
	stop() // idempotent: must not invoke onStop twice or hang

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSpawnWithStopOnStopFiresOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	_, stop := SpawnWithStop[int](ctx, 1, func(context.Context, int) error { return nil }, func() {
		close(done)
	})
	defer stop()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onStop was not invoked after context cancellation")
	}
}

func TestSuperviseRestartsOnTermination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var starts int32

	factory := func(childCtx context.Context) func() {
		n := atomic.AddInt32(&starts, 1)
		return func() {
			if n < 3 {
				// terminate immediately to force a restart
				return
			}
			<-childCtx.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		Supervise(ctx, RestartPolicy{MaxRestarts: 5, Window: time.Minute}, factory, nil, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after context cancellation")
	}
}

func TestSuperviseInvokesOnExhaustedWhenRestartBudgetExceeded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exhaustedCh := make(chan int, 1)
	factory := func(context.Context) func() {
		return func() {} // terminates immediately, every time
	}

	go Supervise(ctx, RestartPolicy{MaxRestarts: 1, Window: time.Minute}, factory, func(restarts int) {
		exhaustedCh <- restarts
	}, nil)

	select {
	case restarts := <-exhaustedCh:
		assert.GreaterOrEqual(t, restarts, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("onExhausted was never invoked")
	}
}

func TestHandlerErrorDoesNotStopTheMailboxLoop(t *testing.T) {
	ctx := context.Background()
	var processed int32
	ref, stop := Spawn[int](ctx, 4, func(context.Context, int) error {
		atomic.AddInt32(&processed, 1)
		return errors.New("handler fault")
	})
	defer stop()

	require.NoError(t, ref.Send(ctx, 1))
	require.NoError(t, ref.Send(ctx, 2))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 2
	}, time.Second, time.Millisecond)
}
