package taskloop

import (
	"sync/atomic"
)

// workerMetrics tracks one worker's counters. Written by the owning worker
// (atomically, so snapshots from other goroutines are coherent); read by
// [Runtime.Metrics].
type workerMetrics struct { // betteralign:ignore
	executed     atomic.Uint64 // tasks polled
	lifoHits     atomic.Uint64 // dequeues served by the LIFO slot
	localPops    atomic.Uint64 // dequeues served by the local queue
	globalPops   atomic.Uint64 // dequeues served by the injection queue
	steals       atomic.Uint64 // successful steal operations
	stolenTasks  atomic.Uint64 // tasks acquired by stealing
	overflows    atomic.Uint64 // local-queue overflow batches pushed global
	parks        atomic.Uint64 // times the worker parked
	reactorPolls atomic.Uint64 // times the worker owned and drove the reactor
}

// WorkerMetrics is a point-in-time copy of one worker's counters.
type WorkerMetrics struct {
	Executed     uint64
	LifoHits     uint64
	LocalPops    uint64
	GlobalPops   uint64
	Steals       uint64
	StolenTasks  uint64
	Overflows    uint64
	Parks        uint64
	ReactorPolls uint64
}

func (m *workerMetrics) snapshot() WorkerMetrics {
	return WorkerMetrics{
		Executed:     m.executed.Load(),
		LifoHits:     m.lifoHits.Load(),
		LocalPops:    m.localPops.Load(),
		GlobalPops:   m.globalPops.Load(),
		Steals:       m.steals.Load(),
		StolenTasks:  m.stolenTasks.Load(),
		Overflows:    m.overflows.Load(),
		Parks:        m.parks.Load(),
		ReactorPolls: m.reactorPolls.Load(),
	}
}

// Metrics is a point-in-time snapshot of runtime counters. Collection is
// enabled with [WithMetrics]; when disabled, Workers is nil and the totals
// are zero.
type Metrics struct {
	// Workers holds one entry per worker, indexed by worker id.
	Workers []WorkerMetrics

	// Totals aggregated across workers.
	Executed    uint64
	Steals      uint64
	StolenTasks uint64
	Parks       uint64

	// TasksSpawned counts successful spawns over the runtime's lifetime.
	TasksSpawned uint64
	// GlobalQueueDepth is the momentary injection queue length.
	GlobalQueueDepth int
}
