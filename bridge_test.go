package taskloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

func TestBridge_InitialState(t *testing.T) {
	b := NewCompletionBridge()
	if b.State() != BridgePending {
		t.Fatalf("state = %v, want Pending", b.State())
	}
	if b.IsCompleted() {
		t.Fatal("fresh bridge must not be completed")
	}
}

func TestBridge_CompleteOnce(t *testing.T) {
	b := NewCompletionBridge()
	if !b.complete(BridgeReady, 42, nil, -1) {
		t.Fatal("first complete must win")
	}
	if b.complete(BridgeError, 0, errors.New("x"), -1) {
		t.Fatal("second complete must lose")
	}
	if b.State() != BridgeReady {
		t.Fatalf("state = %v, want Ready", b.State())
	}
	n, err := b.Bytes()
	if n != 42 || err != nil {
		t.Fatalf("Bytes() = %d, %v", n, err)
	}
}

// Invariant: the stored Waker is invoked at most once per submission, no
// matter how many completers race.
func TestBridge_WakerInvokedAtMostOnce(t *testing.T) {
	for round := 0; round < 100; round++ {
		b := NewCompletionBridge()
		x := &countedTarget{}
		x.refs.Store(1)
		b.SetWaker(NewWaker(unsafe.Pointer(x), countedVTable))

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 4; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				if b.complete(BridgeState(uint32(BridgeReady)+uint32(i%2)), i, nil, -1) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("round %d: %d completers won, want 1", round, got)
		}
		if got := x.wakes.Load(); got != 1 {
			t.Fatalf("round %d: waker invoked %d times, want 1", round, got)
		}
	}
}

func TestBridge_SetWakerReplacesAndDropsPrevious(t *testing.T) {
	b := NewCompletionBridge()
	x := &countedTarget{}
	x.refs.Store(2)
	b.SetWaker(NewWaker(unsafe.Pointer(x), countedVTable))
	b.SetWaker(NewWaker(unsafe.Pointer(x), countedVTable))
	if got := x.refs.Load(); got != 1 {
		t.Fatalf("refs = %d, want 1 (previous waker dropped)", got)
	}
	b.complete(BridgeReady, 0, nil, -1)
	if got := x.wakes.Load(); got != 1 {
		t.Fatalf("wakes = %d, want 1", got)
	}
}

func TestBridge_CancelNeverSubmitted(t *testing.T) {
	b := NewCompletionBridge()
	b.Cancel()
	if b.State() != BridgeCancelled {
		t.Fatalf("state = %v, want Cancelled", b.State())
	}
	if !errors.Is(b.Err(), ErrCancelled) {
		t.Fatalf("Err() = %v, want ErrCancelled", b.Err())
	}
	// Cancelling a completed bridge is a no-op.
	b2 := NewCompletionBridge()
	b2.complete(BridgeReady, 1, nil, -1)
	b2.Cancel()
	if b2.State() != BridgeReady {
		t.Fatalf("state = %v, want Ready preserved", b2.State())
	}
}

func TestBridge_ResetForResubmission(t *testing.T) {
	b := NewCompletionBridge()
	b.complete(BridgeError, 3, errors.New("first"), -1)
	b.Reset()
	if b.State() != BridgePending {
		t.Fatalf("state after reset = %v, want Pending", b.State())
	}
	if n, err := b.Bytes(); n != 0 || err != nil {
		t.Fatalf("result after reset = %d, %v, want zeroed", n, err)
	}
	if !b.complete(BridgeReady, 9, nil, -1) {
		t.Fatal("bridge must complete again after reset")
	}
}
