// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// scheduler owns the worker pool, the global injection queue, and spawn
// routing. It is created and torn down by the Runtime.
type scheduler struct { // betteralign:ignore
	cfg     *runtimeOptions
	log     *logging
	reactor *Reactor

	state runState

	workers []*worker
	inject  injectQueue
	idle    idleSet

	// shutdownCh is closed once, on the terminating transition, releasing
	// every parked worker.
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	// byGoroutine maps a worker goroutine's id to its worker, identifying
	// in-worker schedule calls for the locality fast paths.
	byGoroutine sync.Map // uint64 → *worker

	// taskIDs issues process-wide monotonic task ids; zero is never issued.
	taskIDs atomic.Uint64

	// rrNext rotates notifications for the round-robin strategy.
	rrNext atomic.Uint32

	// spawned counts successful spawns, for metrics.
	spawned atomic.Uint64
}

func newScheduler(cfg *runtimeOptions, reactor *Reactor, log *logging) *scheduler {
	s := &scheduler{
		cfg:        cfg,
		log:        log,
		reactor:    reactor,
		shutdownCh: make(chan struct{}),
	}
	s.workers = make([]*worker, cfg.workerThreads)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s)
	}
	return s
}

// start launches the worker goroutines and transitions to running.
func (s *scheduler) start() {
	s.state.Store(StateRunning)
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go w.run()
	}
}

// nextTaskID issues a process-wide monotonic task id.
func (s *scheduler) nextTaskID() uint64 {
	return s.taskIDs.Add(1)
}

// newTask wraps p in a task. The two initial references belong to the
// scheduler queue (consumed by execute) and the JoinHandle.
func newTask[T any](s *scheduler, p Pollable[T]) (*task, *JoinHandle[T]) {
	pl := &payload[T]{inner: p}
	t := &task{
		id:      s.nextTaskID(),
		sched:   s,
		payload: pl,
	}
	t.state.Store(taskScheduled)
	t.refs.Store(2)
	return t, &JoinHandle[T]{t: t, p: pl}
}

// currentWorker returns the worker owning the calling goroutine, or nil.
func (s *scheduler) currentWorker() *worker {
	if v, ok := s.byGoroutine.Load(getGoroutineID()); ok {
		return v.(*worker)
	}
	return nil
}

func (s *scheduler) registerWorker(w *worker) {
	s.byGoroutine.Store(getGoroutineID(), w)
}

func (s *scheduler) unregisterWorker() {
	s.byGoroutine.Delete(getGoroutineID())
}

// schedule enqueues a scheduled task (spawn or wake). wake selects the LIFO
// locality path: a task woken from within another task's poll lands in the
// waking worker's hot slot.
//
// The caller transfers the queue reference; if the runtime is terminating
// and the injection queue refuses the push, the task is dropped here.
func (s *scheduler) schedule(t *task, wake bool) {
	if w := s.currentWorker(); w != nil {
		w.pushLocal(t, wake)
		return
	}
	if !s.inject.push(t) {
		s.dropTask(t)
		return
	}
	s.notify()
}

// spawnTask routes a fresh task per the configured strategy.
func (s *scheduler) spawnTask(t *task) {
	switch s.cfg.schedulingStrategy {
	case GlobalFirst:
		if !s.inject.push(t) {
			s.dropTask(t)
			return
		}
		s.notify()
	case RoundRobin:
		// Local queues are single-producer, so foreign spawns route through
		// the injection queue; the rotation is applied to which worker gets
		// notified, spreading pickup.
		if w := s.currentWorker(); w != nil {
			w.pushLocal(t, false)
			return
		}
		if !s.inject.push(t) {
			s.dropTask(t)
			return
		}
		s.notifyRoundRobin()
	default: // LocalFirst
		s.schedule(t, false)
	}
}

// notify wakes one idle worker, or the reactor owner when every worker is
// either busy or the one blocked in PollIO.
func (s *scheduler) notify() {
	if w := s.idle.pop(); w != nil {
		w.unpark()
		return
	}
	if s.reactor.Owned() {
		s.reactor.Wake()
	}
}

// notifyRoundRobin prefers the rotation's next worker if it is idle.
func (s *scheduler) notifyRoundRobin() {
	n := uint32(len(s.workers))
	target := s.workers[s.rrNext.Add(1)%n]
	if s.idle.removeWorker(target) {
		target.unpark()
		return
	}
	s.notify()
}

// dropTask completes a queued task as terminated, releasing the queue
// reference.
func (s *scheduler) dropTask(t *task) {
	if t.state.CompareAndSwap(taskScheduled, taskCompleted) {
		t.dropPayload(ErrRuntimeTerminated)
		t.wakeJoiner()
	}
	t.release()
}

// onTaskPanic is the worker-boundary panic hook.
func (s *scheduler) onTaskPanic(taskID uint64, perr PanicError) {
	s.log.taskPanic(taskID, perr)
}

// initiateShutdown begins termination: running→terminating, release every
// parked worker, interrupt the reactor owner.
func (s *scheduler) initiateShutdown() bool {
	if !s.state.TryTransition(StateRunning, StateTerminating) {
		return false
	}
	close(s.shutdownCh)
	for {
		w := s.idle.pop()
		if w == nil {
			break
		}
		w.unpark()
	}
	s.reactor.Wake()
	return true
}

// join waits for every worker to exit, then drains and drops all remaining
// tasks (shutdown drops rather than runs pending work) and transitions to
// terminated. Returns the number of dropped tasks.
func (s *scheduler) join() int {
	s.wg.Wait()

	dropped := 0
	for t := s.inject.close(); t != nil; {
		next := t.next
		t.next = nil
		s.dropTask(t)
		t = next
		dropped++
	}
	for _, w := range s.workers {
		if t := w.lifo.tryPop(); t != nil {
			s.dropTask(t)
			dropped++
		}
		for {
			t := w.local.pop()
			if t == nil {
				break
			}
			s.dropTask(t)
			dropped++
		}
	}

	s.state.Store(StateTerminated)
	return dropped
}

// idleSet tracks parked workers (excluding the reactor owner) under a small
// mutex; contended only at the park/unpark boundary.
type idleSet struct {
	mu      sync.Mutex
	workers []*worker
}

func (s *idleSet) push(w *worker) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
}

// pop removes and returns the most recently parked worker (LIFO keeps warm
// workers busy and lets cold ones sleep).
func (s *idleSet) pop() *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.workers)
	if n == 0 {
		return nil
	}
	w := s.workers[n-1]
	s.workers[n-1] = nil
	s.workers = s.workers[:n-1]
	return w
}

// remove takes w out of the set. Returns false if w was already popped by a
// notify (whose signal is then buffered in w.parkCh).
func (s *idleSet) remove(w *worker) bool {
	return s.removeWorker(w)
}

func (s *idleSet) removeWorker(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.workers {
		if x == w {
			last := len(s.workers) - 1
			s.workers[i] = s.workers[last]
			s.workers[last] = nil
			s.workers = s.workers[:last]
			return true
		}
	}
	return false
}

// getGoroutineID parses the current goroutine's id from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
