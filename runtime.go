// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"context"
	"runtime"
	"sync"
	"unsafe"
)

// Runtime is the entry point: it owns the reactor, the scheduler, and the
// worker pool, and exposes spawn/block-on.
//
// Startup: reactor → scheduler → workers (all inside [New]). Teardown:
// signal shutdown → join workers → drain and drop remaining tasks → tear
// down the reactor.
type Runtime struct {
	cfg     *runtimeOptions
	log     *logging
	reactor *Reactor
	sched   *scheduler

	stopOnce sync.Once
	// done is closed when teardown completes.
	done chan struct{}
}

// New creates a runtime and starts its workers. Backend initialisation
// failure (reactor, wake fd) is fatal and surfaces here.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	log := newLogging(cfg.logger)
	reactor, err := newReactor(cfg.reactorEventsCapacity, log)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		cfg:     cfg,
		log:     log,
		reactor: reactor,
		sched:   newScheduler(cfg, reactor, log),
		done:    make(chan struct{}),
	}
	rt.sched.start()
	log.runtimeStarted(cfg.workerThreads, cfg.queueCapacity)
	return rt, nil
}

// State returns the runtime's lifecycle state.
func (rt *Runtime) State() RuntimeState {
	return rt.sched.state.Load()
}

// Reactor returns the runtime's I/O reactor, for submitting operations from
// custom pollables.
func (rt *Runtime) Reactor() *Reactor {
	return rt.reactor
}

// Workers returns the configured worker count.
func (rt *Runtime) Workers() int {
	return len(rt.sched.workers)
}

// Shutdown gracefully terminates the runtime: new spawns are rejected,
// workers finish their in-flight poll and exit, queued tasks are dropped
// (their JoinHandles complete with [ErrRuntimeTerminated]), and the reactor
// is torn down (outstanding I/O completes cancelled).
//
// Blocks until teardown completes or ctx expires; teardown continues in the
// background on early return. Idempotent.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.stopOnce.Do(func() {
		go rt.teardown()
	})
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the runtime and waits without a deadline. Idempotent.
func (rt *Runtime) Close() error {
	return rt.Shutdown(context.Background())
}

func (rt *Runtime) teardown() {
	rt.sched.initiateShutdown()
	dropped := rt.sched.join()
	_ = rt.reactor.Close()
	rt.log.runtimeStopped(dropped)
	close(rt.done)
}

// Metrics returns a snapshot of runtime counters. Worker counters are only
// populated when [WithMetrics] is enabled.
func (rt *Runtime) Metrics() Metrics {
	m := Metrics{
		TasksSpawned:     rt.sched.spawned.Load(),
		GlobalQueueDepth: rt.sched.inject.len(),
	}
	if !rt.cfg.metricsEnabled {
		return m
	}
	m.Workers = make([]WorkerMetrics, len(rt.sched.workers))
	for i, w := range rt.sched.workers {
		ws := w.metrics.snapshot()
		m.Workers[i] = ws
		m.Executed += ws.Executed
		m.Steals += ws.Steals
		m.StolenTasks += ws.StolenTasks
		m.Parks += ws.Parks
	}
	return m
}

// Spawn wraps p in a task and hands it to the scheduler, returning a handle
// whose poll awaits the task's completion. Fails once shutdown has begun.
func Spawn[T any](rt *Runtime, p Pollable[T]) (*JoinHandle[T], error) {
	switch rt.sched.state.Load() {
	case StateRunning:
	case StateTerminating:
		return nil, ErrRuntimeTerminating
	default:
		return nil, ErrRuntimeTerminated
	}
	t, h := newTask(rt.sched, p)
	rt.sched.spawned.Add(1)
	rt.sched.spawnTask(t)
	return h, nil
}

// blockOnParker is the ad-hoc waker binding for a foreign (non-worker)
// goroutine driving a pollable directly.
type blockOnParker struct {
	ch chan struct{}
}

var blockOnWakerVTable = &WakerVTable{}

func init() {
	blockOnWakerVTable.Clone = func(d unsafe.Pointer) Waker {
		return Waker{data: d, vt: blockOnWakerVTable}
	}
	blockOnWakerVTable.Wake = func(d unsafe.Pointer) { (*blockOnParker)(d).signal() }
	blockOnWakerVTable.WakeByRef = func(d unsafe.Pointer) { (*blockOnParker)(d).signal() }
	blockOnWakerVTable.Drop = func(unsafe.Pointer) {}
}

func (p *blockOnParker) signal() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// BlockOn drives p to completion on the calling goroutine, parking it
// between polls. Equivalent to spawn-then-join without the spawn overhead;
// I/O and timers are driven by the worker pool while the caller sleeps.
//
// Must not be called from within a worker (a blocked worker cannot poll its
// own wake source); doing so panics. Panics inside p unwind here and are
// returned as a [PanicError].
func BlockOn[T any](rt *Runtime, p Pollable[T]) (T, error) {
	var zero T
	if rt.sched.currentWorker() != nil {
		panic("taskloop: BlockOn called from a worker; await the pollable instead")
	}

	parker := &blockOnParker{ch: make(chan struct{}, 1)}
	ctx := Context{waker: Waker{data: unsafe.Pointer(parker), vt: blockOnWakerVTable}}

	for {
		res, err := blockOnPoll(p, &ctx)
		if err != nil {
			return zero, err
		}
		if res.IsReady() {
			return res.Value(), nil
		}
		select {
		case <-parker.ch:
		case <-rt.sched.shutdownCh:
			// One final poll: completions cancelled by teardown may have
			// made the pollable ready.
			res, err := blockOnPoll(p, &ctx)
			if err != nil {
				return zero, err
			}
			if res.IsReady() {
				return res.Value(), nil
			}
			dropPollable(p)
			return zero, ErrRuntimeTerminated
		}
	}
}

// blockOnPoll polls with panic recovery, per the same worker-boundary
// policy as spawned tasks.
func blockOnPoll[T any](p Pollable[T], ctx *Context) (res Poll[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			stack = stack[:runtime.Stack(stack, false)]
			err = PanicError{Value: r, Stack: stack}
		}
	}()
	return p.Poll(ctx), nil
}
