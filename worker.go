// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

// worker is one scheduler-owned goroutine executing the dequeue→poll loop.
//
// The worker exclusively owns its local queue's tail and its LIFO slot for
// pushes; the queue's head is shared for steals.
type worker struct { // betteralign:ignore
	id    int
	sched *scheduler

	local *runQueue
	lifo  lifoSlot

	// parkCh carries unpark signals; capacity 1 gives lost-wakeup immunity
	// (a notify racing the park leaves its signal in the buffer).
	parkCh chan struct{}

	// tick counts dequeue attempts for the global-queue fairness interval.
	tick uint32

	// lifoStreak guards against two tasks ping-ponging through the LIFO
	// slot starving the local queue: at most one consecutive LIFO dequeue.
	lifoStreak bool

	// rngState drives xorshift victim selection for stealing.
	rngState uint64

	metrics workerMetrics
}

func newWorker(id int, s *scheduler) *worker {
	return &worker{
		id:       id,
		sched:    s,
		local:    newRunQueue(s.cfg.queueCapacity),
		parkCh:   make(chan struct{}, 1),
		rngState: uint64(id)*0x9E3779B97F4A7C15 + 0x2545F4914F6CDD1D,
	}
}

// run is the worker main loop: LIFO → local → global → steal → park, with
// the global queue consulted first on every globalQueueInterval-th dequeue.
func (w *worker) run() {
	s := w.sched
	defer s.wg.Done()

	s.registerWorker(w)
	defer s.unregisterWorker()

	s.log.workerStarted(w.id)
	defer func() {
		var m *workerMetrics
		if s.cfg.metricsEnabled {
			m = &w.metrics
		}
		s.log.workerStopped(w.id, m)
	}()

	for {
		if s.state.Load() >= StateTerminating {
			return
		}

		t := w.nextTask()
		if t == nil {
			t = w.trySteal()
		}
		if t == nil {
			// The streak guard may have skipped an occupied LIFO slot this
			// round; never park with work in hand.
			t = w.lifo.tryPop()
		}
		if t == nil {
			if !w.park() {
				return
			}
			continue
		}
		w.runTask(t)
	}
}

// nextTask dequeues per the fairness policy: every globalQueueInterval-th
// attempt consults the global queue first so injected work cannot starve
// behind a busy local queue.
func (w *worker) nextTask() *task {
	s := w.sched
	w.tick++

	if w.tick%s.cfg.globalQueueInterval == 0 {
		if t := s.inject.pop(); t != nil {
			if s.cfg.metricsEnabled {
				w.metrics.globalPops.Add(1)
			}
			w.lifoStreak = false
			return t
		}
	}

	if s.cfg.enableLifoSlot && !w.lifoStreak {
		if t := w.lifo.tryPop(); t != nil {
			if s.cfg.metricsEnabled {
				w.metrics.lifoHits.Add(1)
			}
			w.lifoStreak = true
			return t
		}
	}
	w.lifoStreak = false

	if t := w.local.pop(); t != nil {
		if s.cfg.metricsEnabled {
			w.metrics.localPops.Add(1)
		}
		return t
	}

	if t := s.inject.pop(); t != nil {
		if s.cfg.metricsEnabled {
			w.metrics.globalPops.Add(1)
		}
		return t
	}
	return nil
}

// trySteal picks random victims and attempts a half-queue batch steal from
// each, up to stealRetryCount rounds. One task comes back in-hand; the rest
// of the batch lands on w's local queue.
func (w *worker) trySteal() *task {
	s := w.sched
	if !s.cfg.enableWorkStealing {
		return nil
	}
	n := len(s.workers)
	if n < 2 {
		return nil
	}

	for attempt := 0; attempt < s.cfg.stealRetryCount; attempt++ {
		start := int(w.nextRand() % uint64(n))
		for i := 0; i < n; i++ {
			victim := s.workers[(start+i)%n]
			if victim == w {
				continue
			}
			if t, moved := victim.local.stealBatch(w.local, s.cfg.stealBatchSize); t != nil {
				if s.cfg.metricsEnabled {
					w.metrics.steals.Add(1)
					w.metrics.stolenTasks.Add(uint64(moved) + 1)
				}
				return t
			}
		}
	}
	return nil
}

// runTask polls t, re-enqueueing locally when it was woken mid-poll.
func (w *worker) runTask(t *task) {
	if w.sched.cfg.metricsEnabled {
		w.metrics.executed.Add(1)
	}
	if t.execute() {
		// Woken during its own poll; re-enqueue so queued work interleaves.
		w.pushLocal(t, false)
	}
}

// pushLocal pushes to the worker's own queue, spilling half to the global
// queue on overflow. wake selects LIFO slot placement (message-passing
// locality path).
func (w *worker) pushLocal(t *task, wake bool) {
	s := w.sched
	if wake && s.cfg.enableLifoSlot {
		if w.lifo.tryPush(t) {
			return
		}
	}
	for {
		if w.local.push(t) {
			break
		}
		if w.local.pushOverflow(t, &s.inject) {
			if s.cfg.metricsEnabled {
				w.metrics.overflows.Add(1)
			}
			break
		}
		// A concurrent steal freed space; retry the plain push.
	}
	s.notify()
}

// park blocks until new work may be available. The first parker becomes the
// reactor owner and blocks in PollIO instead, driving I/O and timers for
// everyone. Returns false when the worker should exit.
func (w *worker) park() bool {
	s := w.sched
	if s.state.Load() >= StateTerminating {
		return false
	}
	if s.cfg.metricsEnabled {
		w.metrics.parks.Add(1)
	}

	if s.reactor.TryAcquireOwner() {
		// Work that arrived before ownership was visible would miss its
		// notify; re-check before blocking (later arrivals hit Wake).
		if s.inject.len() > 0 || w.local.len() > 0 {
			s.reactor.ReleaseOwner()
			return true
		}
		if s.cfg.metricsEnabled {
			w.metrics.reactorPolls.Add(1)
		}
		_, err := s.reactor.PollIO(reactorParkTimeoutMs)
		s.reactor.ReleaseOwner()
		if err != nil {
			if err == ErrReactorClosed || err == ErrPollerClosed {
				return false
			}
			s.log.reactorFailed(err)
			s.initiateShutdown()
			return false
		}
		return s.state.Load() < StateTerminating
	}

	// Another worker is polling the reactor; sleep on the condition channel.
	s.idle.push(w)
	// Re-check after announcing idleness: a schedule that raced the push
	// found no idle worker to notify.
	if s.inject.len() > 0 || w.local.len() > 0 {
		if s.idle.remove(w) {
			return true
		}
		// Already popped by a notify; its signal is in parkCh.
	}
	select {
	case <-w.parkCh:
		return true
	case <-s.shutdownCh:
		s.idle.remove(w)
		return false
	}
}

// unpark delivers a wake signal; no-op if one is already buffered.
func (w *worker) unpark() {
	select {
	case w.parkCh <- struct{}{}:
	default:
	}
}

// reactorParkTimeoutMs bounds how long the reactor owner blocks with no
// timers pending, so state changes are observed eventually even if a wake
// is lost.
const reactorParkTimeoutMs = 10_000

// nextRand is xorshift64: cheap, worker-local, good enough for victim
// selection.
func (w *worker) nextRand() uint64 {
	x := w.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rngState = x
	return x
}
