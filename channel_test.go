package taskloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Capacity-1 channel: 10 integers arrive in order, throughput gated by the
// consumer.
func TestChannel_Capacity1Ordering(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))
	ch := NewAsyncChannel[int](1)

	producer, err := Spawn(rt, PollFunc[int](newSendSeq(ch, 1, 10)))
	require.NoError(t, err)

	var got []int
	var recvOp *ChannelRecv[int]
	consumer, err := Spawn(rt, PollFunc[[]int](func(ctx *Context) Poll[[]int] {
		for len(got) < 10 {
			if recvOp == nil {
				recvOp = ch.Recv()
			}
			res := recvOp.Poll(ctx)
			if res.IsPending() {
				return Pending[[]int]()
			}
			recvOp = nil
			require.True(t, res.Value().OK)
			got = append(got, res.Value().Value)
		}
		return Ready(got)
	}))
	require.NoError(t, err)

	mustJoin(t, rt, producer)
	res := mustJoin(t, rt, consumer)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, res.Value)
}

// newSendSeq returns a poll function sending lo..hi in order.
func newSendSeq(ch *AsyncChannel[int], lo, hi int) func(*Context) Poll[int] {
	next := lo
	var op *ChannelSend[int]
	return func(ctx *Context) Poll[int] {
		for next <= hi {
			if op == nil {
				op = ch.Send(next)
			}
			res := op.Poll(ctx)
			if res.IsPending() {
				return Pending[int]()
			}
			if res.Value() != nil {
				return Ready(-1)
			}
			op = nil
			next++
		}
		return Ready(0)
	}
}

func TestChannel_SendToClosedErrors(t *testing.T) {
	ch := NewAsyncChannel[int](1)
	ch.Close()
	ctx := NewContext(NoopWaker())
	res := ch.Send(1).Poll(ctx)
	require.True(t, res.IsReady())
	require.ErrorIs(t, res.Value(), ErrChannelClosed)
}

func TestChannel_RecvFromClosedDrainsFirst(t *testing.T) {
	ch := NewAsyncChannel[int](2)
	ctx := NewContext(NoopWaker())
	require.True(t, ch.Send(1).Poll(ctx).IsReady())
	require.True(t, ch.Send(2).Poll(ctx).IsReady())
	ch.Close()

	res := ch.Recv().Poll(ctx)
	require.True(t, res.IsReady())
	require.Equal(t, RecvResult[int]{Value: 1, OK: true}, res.Value())

	res = ch.Recv().Poll(ctx)
	require.Equal(t, RecvResult[int]{Value: 2, OK: true}, res.Value())

	res = ch.Recv().Poll(ctx)
	require.True(t, res.IsReady())
	require.False(t, res.Value().OK)
}

func TestChannel_CloseWakesAllWaiters(t *testing.T) {
	ch := NewAsyncChannel[int](1)
	ctx := NewContext(NoopWaker())

	// Fill, then park a sender and a receiver... receiver parks only on an
	// empty channel, so park the sender on the full one.
	require.True(t, ch.Send(1).Poll(ctx).IsReady())
	send := ch.Send(2)
	require.True(t, send.Poll(ctx).IsPending())

	ch.Close()
	res := send.Poll(ctx)
	require.True(t, res.IsReady())
	require.ErrorIs(t, res.Value(), ErrChannelClosed)
}

func TestChannel_RecvWaiterWokenByClose(t *testing.T) {
	ch := NewAsyncChannel[int](1)
	ctx := NewContext(NoopWaker())
	recv := ch.Recv()
	require.True(t, recv.Poll(ctx).IsPending())
	ch.Close()
	res := recv.Poll(ctx)
	require.True(t, res.IsReady())
	require.False(t, res.Value().OK)
}

// Dropping a parked send unlinks its waiter: the value never surfaces.
func TestChannel_SendCancellationSafe(t *testing.T) {
	ch := NewAsyncChannel[int](1)
	ctx := NewContext(NoopWaker())
	require.True(t, ch.Send(1).Poll(ctx).IsReady())

	send := ch.Send(99)
	require.True(t, send.Poll(ctx).IsPending())
	send.Drop()

	res := ch.Recv().Poll(ctx)
	require.Equal(t, 1, res.Value().Value)
	// The cancelled value must not arrive.
	require.True(t, ch.Recv().Poll(ctx).IsPending() || ch.Len() == 0)
}

// Every send that completes produces exactly one receive yielding its
// value, across concurrent producers and consumers on the runtime.
func TestChannel_ExactlyOnceDelivery(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(4))
	ch := NewAsyncChannel[int](8)

	const producers = 4
	const perProducer = 100
	const total = producers * perProducer

	var eg errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		eg.Go(func() error {
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				if _, err := BlockOn(rt, ch.Send(v)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var seen sync.Map
	var count atomic.Int32
	var rg errgroup.Group
	for c := 0; c < 2; c++ {
		rg.Go(func() error {
			for {
				res, err := BlockOn(rt, ch.Recv())
				if err != nil {
					return err
				}
				if !res.OK {
					return nil
				}
				if _, dup := seen.LoadOrStore(res.Value, true); dup {
					t.Errorf("value %d delivered twice", res.Value)
				}
				count.Add(1)
			}
		})
	}

	require.NoError(t, eg.Wait())
	ch.Close()
	require.NoError(t, rg.Wait())
	require.Equal(t, int32(total), count.Load())
	for i := 0; i < total; i++ {
		_, ok := seen.Load(i)
		require.True(t, ok, "value %d missing", i)
	}
}

func TestChannel_BlocksUntilSpace(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerThreads(2))
	ch := NewAsyncChannel[int](1)

	_, err := BlockOn(rt, ch.Send(1))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = BlockOn(rt, ch.Send(2))
	}()

	select {
	case <-done:
		t.Fatal("send to a full channel must suspend")
	case <-time.After(50 * time.Millisecond):
	}

	res, err := BlockOn(rt, ch.Recv())
	require.NoError(t, err)
	require.Equal(t, 1, res.Value)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parked send was not woken by the receive")
	}
}
