package taskloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

// mustJoin drives a JoinHandle to completion from the test goroutine.
func mustJoin[T any](t *testing.T, rt *Runtime, h *JoinHandle[T]) Result[T] {
	t.Helper()
	res, err := BlockOn(rt, h)
	require.NoError(t, err)
	return res
}

func TestRuntime_BlockOnImmediate(t *testing.T) {
	rt := newTestRuntime(t)
	v, err := BlockOn(rt, PollFunc[int](func(*Context) Poll[int] {
		return Ready(7)
	}))
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

// Spawn 100 tasks each returning its index; block on their join; observe the
// full multiset.
func TestRuntime_SpawnJoin100(t *testing.T) {
	rt := newTestRuntime(t)

	handles := make([]*JoinHandle[int], 100)
	for i := 0; i < 100; i++ {
		i := i
		h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] {
			return Ready(i)
		}))
		require.NoError(t, err)
		handles[i] = h
	}

	seen := make(map[int]int, 100)
	for _, h := range handles {
		res := mustJoin(t, rt, h)
		require.NoError(t, res.Err)
		seen[res.Value]++
	}
	require.Len(t, seen, 100)
	for i := 0; i < 100; i++ {
		require.Equal(t, 1, seen[i], "index %d", i)
	}
}

func TestRuntime_BlockOnSurfacesPanic(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := BlockOn(rt, PollFunc[int](func(*Context) Poll[int] {
		panic("boom")
	}))
	var perr PanicError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "boom", perr.Value)
}

func TestRuntime_JoinSurfacesTaskPanic(t *testing.T) {
	rt := newTestRuntime(t)
	h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] {
		panic(errors.New("task exploded"))
	}))
	require.NoError(t, err)
	res := mustJoin(t, rt, h)
	var perr PanicError
	require.ErrorAs(t, res.Err, &perr)
	// The cause chain reaches the panicked error.
	require.EqualError(t, perr.Unwrap(), "task exploded")
}

func TestRuntime_SpawnAfterShutdownFails(t *testing.T) {
	rt, err := New(WithWorkerThreads(1))
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	require.Equal(t, StateTerminated, rt.State())

	_, err = Spawn(rt, PollFunc[int](func(*Context) Poll[int] { return Ready(0) }))
	require.ErrorIs(t, err, ErrRuntimeTerminated)
}

func TestRuntime_ShutdownIdempotent(t *testing.T) {
	rt, err := New(WithWorkerThreads(2))
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
}

// Shutdown does not run abandoned work: a task still queued at shutdown is
// dropped and its handle completes with ErrRuntimeTerminated, while a task
// left idle never completes, so BlockOn on its handle after shutdown returns
// ErrRuntimeTerminated.
func TestRuntime_ShutdownDropsPending(t *testing.T) {
	rt, err := New(WithWorkerThreads(1))
	require.NoError(t, err)

	// Never completes, never arranges a wake: stays idle forever.
	h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] {
		return Pending[int]()
	}))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let it reach idle
	require.NoError(t, rt.Close())

	res, err := BlockOn(rt, h)
	if err != nil {
		// BlockOn may observe teardown before the handle result.
		require.ErrorIs(t, err, ErrRuntimeTerminated)
		return
	}
	require.ErrorIs(t, res.Err, ErrRuntimeTerminated)
}

// Invariant: k concurrent wakes on an idle task produce exactly one
// subsequent poll; wakes on a completed task produce none.
func TestTask_WakeIdempotence(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))

	var polls atomic.Int32
	var mu sync.Mutex
	var saved Waker
	var haveWaker atomic.Bool

	h, err := Spawn(rt, PollFunc[int](func(ctx *Context) Poll[int] {
		n := polls.Add(1)
		if n == 1 {
			mu.Lock()
			saved = ctx.Waker().Clone()
			mu.Unlock()
			haveWaker.Store(true)
			return Pending[int]()
		}
		return Ready(int(n))
	}))
	require.NoError(t, err)

	require.Eventually(t, haveWaker.Load, time.Second, time.Millisecond)
	// Give the worker time to finish the Pending transition to idle (a wake
	// racing the transition is also legal; either way: one more poll).
	time.Sleep(10 * time.Millisecond)

	const k = 64
	var wg sync.WaitGroup
	wg.Add(k)
	for i := 0; i < k; i++ {
		go func() {
			defer wg.Done()
			mu.Lock()
			w := saved
			mu.Unlock()
			w.WakeByRef()
		}()
	}
	wg.Wait()

	res := mustJoin(t, rt, h)
	require.NoError(t, res.Err)
	require.Equal(t, int32(2), polls.Load(), "wakes must coalesce into one poll")

	// Waking a completed task is a no-op.
	mu.Lock()
	saved.WakeByRef()
	saved.Drop()
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(2), polls.Load())
}

func TestJoinHandle_Abort(t *testing.T) {
	rt := newTestRuntime(t)

	h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] {
		return Pending[int]()
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.t.state.Load() == taskIdle
	}, time.Second, time.Millisecond)

	h.Abort()
	res := mustJoin(t, rt, h)
	require.ErrorIs(t, res.Err, ErrTaskAborted)
	require.True(t, h.Done())
}

func TestJoinHandle_DetachIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] { return Ready(1) }))
	require.NoError(t, err)
	h.Detach()
	h.Detach()
	h.Drop()
}

func TestRuntime_MetricsSnapshot(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2), WithMetrics(true))

	const n = 200
	handles := make([]*JoinHandle[int], n)
	for i := 0; i < n; i++ {
		h, err := Spawn(rt, PollFunc[int](func(*Context) Poll[int] { return Ready(0) }))
		require.NoError(t, err)
		handles[i] = h
	}
	for _, h := range handles {
		mustJoin(t, rt, h)
	}

	m := rt.Metrics()
	require.Equal(t, uint64(n), m.TasksSpawned)
	require.Len(t, m.Workers, 2)
	require.GreaterOrEqual(t, m.Executed, uint64(n))
}

func TestRuntime_MetricsDisabledByDefault(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(1))
	m := rt.Metrics()
	require.Nil(t, m.Workers)
}

func TestRuntime_YieldInterleaves(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(1))

	y := Yield()
	var polls int
	v, err := BlockOn(rt, PollFunc[int](func(ctx *Context) Poll[int] {
		polls++
		if res := y.Poll(ctx); res.IsPending() {
			return Pending[int]()
		}
		return Ready(polls)
	}))
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
