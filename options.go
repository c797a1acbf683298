// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"fmt"
	"math/bits"
	"runtime"

	"github.com/joeycumines/logiface"
)

// SchedulingStrategy selects how spawns are routed. Under [LocalFirst] and
// [RoundRobin] a spawn from within a worker goes to that worker's local
// queue; [GlobalFirst] sends every spawn through the global injection queue.
type SchedulingStrategy uint8

const (
	// LocalFirst routes spawns to the current worker's queue when the
	// spawner is a worker, falling back to the global queue. Default.
	LocalFirst SchedulingStrategy = iota
	// GlobalFirst routes every spawn through the global injection queue.
	GlobalFirst
	// RoundRobin routes spawns from non-worker goroutines through the global
	// injection queue and notifies idle workers in rotation; spawns from
	// within a worker go to its local queue.
	RoundRobin
)

// IOBackend names a reactor backend. Only the platform's native readiness
// backend is compiled; selecting another is a fatal init error.
type IOBackend string

const (
	// BackendAuto resolves to the platform's native backend.
	BackendAuto IOBackend = "auto"
	// BackendEpoll is the Linux readiness backend.
	BackendEpoll IOBackend = "epoll"
	// BackendKqueue is the Darwin readiness backend.
	BackendKqueue IOBackend = "kqueue"
	// BackendIOCP is recognised but not compiled on any supported platform.
	BackendIOCP IOBackend = "iocp"
	// BackendIOUring is recognised but not compiled on any supported platform.
	BackendIOUring IOBackend = "io_uring"
)

// maxWorkers caps the worker pool regardless of hardware parallelism.
const maxWorkers = 64

// runtimeOptions holds resolved configuration for Runtime creation.
type runtimeOptions struct {
	workerThreads         int
	queueCapacity         uint32
	enableWorkStealing    bool
	enableLifoSlot        bool
	schedulingStrategy    SchedulingStrategy
	stealBatchSize        uint32
	globalQueueInterval   uint32
	stealRetryCount       int
	ioBackend             IOBackend
	reactorEventsCapacity int
	metricsEnabled        bool
	logger                *logiface.Logger[logiface.Event]
}

// Option configures a Runtime instance.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithWorkerThreads sets the number of worker goroutines. Defaults to the
// available hardware parallelism (GOMAXPROCS), capped at 64.
func WithWorkerThreads(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return fmt.Errorf("taskloop: worker_threads must be >= 1, got %d", n)
		}
		if n > maxWorkers {
			return fmt.Errorf("taskloop: worker_threads must be <= %d, got %d", maxWorkers, n)
		}
		opts.workerThreads = n
		return nil
	}}
}

// WithQueueCapacity sets the per-worker local run queue capacity. Must be a
// power of two. Default 256.
func WithQueueCapacity(n uint32) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n == 0 || bits.OnesCount32(n) != 1 {
			return fmt.Errorf("taskloop: queue_capacity must be a power of two, got %d", n)
		}
		opts.queueCapacity = n
		return nil
	}}
}

// WithWorkStealing is the master switch for the steal routine. Default
// enabled. Disabled, idle workers only consult the global queue.
func WithWorkStealing(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.enableWorkStealing = enabled
		return nil
	}}
}

// WithLifoSlot is the master switch for the per-worker LIFO hot slot.
// Default enabled.
func WithLifoSlot(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.enableLifoSlot = enabled
		return nil
	}}
}

// WithSchedulingStrategy selects the spawn routing policy. Default
// [LocalFirst].
func WithSchedulingStrategy(s SchedulingStrategy) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		switch s {
		case LocalFirst, GlobalFirst, RoundRobin:
			opts.schedulingStrategy = s
			return nil
		default:
			return fmt.Errorf("taskloop: unknown scheduling strategy %d", s)
		}
	}}
}

// WithStealBatchSize caps the number of tasks moved per steal operation.
// Must not exceed a quarter of the queue capacity (validated at resolve,
// after both options apply). Default queue_capacity/4.
func WithStealBatchSize(n uint32) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n == 0 {
			return fmt.Errorf("taskloop: steal_batch_size must be >= 1")
		}
		opts.stealBatchSize = n
		return nil
	}}
}

// WithGlobalQueueInterval sets the fairness interval: every N local polls
// the worker checks the global queue first. Default 61.
func WithGlobalQueueInterval(n uint32) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n == 0 {
			return fmt.Errorf("taskloop: global_queue_interval must be >= 1")
		}
		opts.globalQueueInterval = n
		return nil
	}}
}

// WithStealRetryCount sets how many steal rounds a worker makes before
// parking; each round tries every other worker as a victim. Default 4.
func WithStealRetryCount(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return fmt.Errorf("taskloop: steal_retry_count must be >= 1, got %d", n)
		}
		opts.stealRetryCount = n
		return nil
	}}
}

// WithIOBackend selects the reactor backend. Default [BackendAuto]. A
// backend not compiled for the platform fails at [New].
func WithIOBackend(b IOBackend) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		switch b {
		case BackendAuto, BackendEpoll, BackendKqueue, BackendIOCP, BackendIOUring:
			opts.ioBackend = b
			return nil
		default:
			return fmt.Errorf("taskloop: unknown io backend %q", b)
		}
	}}
}

// WithReactorEventsCapacity sets the maximum events drained per reactor
// poll. Default 256.
func WithReactorEventsCapacity(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return fmt.Errorf("taskloop: reactor_events_capacity must be >= 1, got %d", n)
		}
		opts.reactorEventsCapacity = n
		return nil
	}}
}

// WithMetrics toggles per-worker counter collection. Default disabled; the
// counters cost a handful of atomic increments per task.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithLogger sets the structured logger. Obtain the erased form from any
// logiface backend via (*logiface.Logger[E]).Logger(). Nil disables
// logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies opts over the defaults and validates cross-field
// constraints.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	workers := runtime.GOMAXPROCS(0)
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	cfg := &runtimeOptions{
		workerThreads:         workers,
		queueCapacity:         defaultQueueCapacity,
		enableWorkStealing:    true,
		enableLifoSlot:        true,
		schedulingStrategy:    LocalFirst,
		globalQueueInterval:   61,
		stealRetryCount:       4,
		ioBackend:             BackendAuto,
		reactorEventsCapacity: 256,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.stealBatchSize == 0 {
		cfg.stealBatchSize = cfg.queueCapacity / 4
		if cfg.stealBatchSize == 0 {
			cfg.stealBatchSize = 1
		}
	}
	if limit := cfg.queueCapacity / 4; limit > 0 && cfg.stealBatchSize > limit {
		return nil, fmt.Errorf(
			"taskloop: steal_batch_size %d exceeds queue_capacity/4 (%d)",
			cfg.stealBatchSize, limit,
		)
	}
	if err := validateBackend(cfg.ioBackend); err != nil {
		return nil, err
	}
	return cfg, nil
}
