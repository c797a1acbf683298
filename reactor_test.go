package taskloop

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, setNonblockFD(fds[0]))
	require.NoError(t, setNonblockFD(fds[1]))
	t.Cleanup(func() {
		_ = closeFD(fds[0])
		_ = closeFD(fds[1])
	})
	return fds[0], fds[1]
}

// blockOn(delay(50ms)) returns after >= 50ms and within a generous CI bound.
func TestReactor_TimerDelay(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))

	start := time.Now()
	err, berr := BlockOn(rt, rt.Delay(50*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, berr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 150*time.Millisecond)
}

// A zero-duration timer wakes on the next reactor tick.
func TestReactor_ZeroTimer(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(1))

	start := time.Now()
	err, berr := BlockOn(rt, rt.Delay(0))
	require.NoError(t, berr)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

// Write 4 KiB into a pipe, read it back through the async API on a spawned
// task; bytes identical, order preserved.
func TestReactor_PipeReadRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))
	rfd, wfd := makePipe(t)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	buf := make([]byte, 8192)
	read := rt.ReadFD(rfd, buf)
	h, err := Spawn(rt, PollFunc[Result[int]](func(ctx *Context) Poll[Result[int]] {
		return read.Poll(ctx)
	}))
	require.NoError(t, err)

	n, werr := writeFD(wfd, payload)
	require.NoError(t, werr)
	require.Equal(t, len(payload), n)

	res := mustJoin(t, rt, h)
	require.NoError(t, res.Err)
	require.NoError(t, res.Value.Err)
	require.Equal(t, len(payload), res.Value.Value)
	require.True(t, bytes.Equal(payload, buf[:res.Value.Value]))
}

func TestReactor_AsyncWriteThenRead(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))
	rfd, wfd := makePipe(t)

	payload := []byte("through the reactor")
	wres, err := BlockOn(rt, rt.WriteFD(wfd, payload))
	require.NoError(t, err)
	require.NoError(t, wres.Err)
	require.Equal(t, len(payload), wres.Value)

	buf := make([]byte, 64)
	rres, err := BlockOn(rt, rt.ReadFD(rfd, buf))
	require.NoError(t, err)
	require.NoError(t, rres.Err)
	require.Equal(t, payload, buf[:rres.Value])
}

// Cancellation: drop a pending accept before any connection arrives; the
// registration is gone (no fd leak, no completion after drop).
func TestReactor_AcceptCancel(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFD(lfd) })
	require.NoError(t, setNonblockFD(lfd))
	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(lfd, sa))
	require.NoError(t, unix.Listen(lfd, 1))

	h, err := Spawn(rt, rt.AcceptFD(lfd))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rt.Reactor().PendingOps() == 1
	}, time.Second, time.Millisecond, "accept must register with the reactor")

	h.Abort()
	res := mustJoin(t, rt, h)
	require.ErrorIs(t, res.Err, ErrTaskAborted)

	require.Eventually(t, func() bool {
		return rt.Reactor().PendingOps() == 0
	}, time.Second, time.Millisecond, "cancellation must remove the registration")
}

// A read deadline on a silent pipe surfaces ErrTimeout.
func TestReactor_ReadDeadline(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))
	rfd, _ := makePipe(t)

	buf := make([]byte, 16)
	start := time.Now()
	op := rt.ReadFD(rfd, buf).WithDeadline(time.Now().Add(30 * time.Millisecond))
	res, err := BlockOn(rt, op)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Eventually(t, func() bool {
		return rt.Reactor().PendingOps() == 0
	}, time.Second, time.Millisecond)
}

func TestReactor_OwnershipIsExclusive(t *testing.T) {
	log := newLogging(nil)
	r, err := newReactor(16, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.True(t, r.TryAcquireOwner())
	require.False(t, r.TryAcquireOwner(), "second acquire must fail")
	require.True(t, r.Owned())
	r.ReleaseOwner()
	require.False(t, r.Owned())
	require.True(t, r.TryAcquireOwner())
	r.ReleaseOwner()
}

func TestReactor_WakeInterruptsPoll(t *testing.T) {
	r, err := newReactor(16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.PollIO(5_000)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Wake()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake did not interrupt PollIO")
	}
}

func TestReactor_SubmitAfterCloseFails(t *testing.T) {
	r, err := newReactor(16, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	b := NewCompletionBridge()
	require.ErrorIs(t, r.SubmitTimer(time.Millisecond, b), ErrReactorClosed)
	require.ErrorIs(t, r.SubmitRead(0, nil, -1, time.Time{}, b), ErrReactorClosed)
}
