// Package taskloop implements a cooperative, multi-threaded polling runtime:
// pollable computations are wrapped into reference-counted tasks, scheduled
// across a fixed pool of worker goroutines with per-worker run queues and
// work stealing, and suspended/resumed through an OS readiness reactor
// (epoll on Linux, kqueue on Darwin).
//
// The core contract is [Pollable]: a computation that either completes with
// [Ready], or arranges to be re-woken via the [Context]'s [Waker] and returns
// [Pending]. Everything else - the scheduler, the reactor, the async
// primitives - is built over that contract.
//
// # Quick start
//
//	rt, err := taskloop.New()
//	if err != nil {
//		panic(err)
//	}
//	defer rt.Close()
//
//	handle, _ := taskloop.Spawn(rt, taskloop.PollFunc[int](func(*taskloop.Context) taskloop.Poll[int] {
//		return taskloop.Ready(42)
//	}))
//	res, _ := taskloop.BlockOn(rt, handle)
//	fmt.Println(res.Value) // 42
//
// # Scheduling model
//
// N worker goroutines (default: GOMAXPROCS, capped at 64) each own a bounded
// local run queue and an optional one-task LIFO slot. Spawned and woken tasks
// are routed local-first when the caller is a worker, otherwise through a
// global injection queue. Idle workers steal half a victim's queue in a
// single batched operation; when no work is available, exactly one worker
// blocks in the reactor while the rest park.
//
// Tasks are cooperative. A poll call runs to completion on the worker that
// dequeued it; a long-running poll blocks its worker.
//
// # Structured logging
//
// The runtime logs through a [logiface] erased logger, configured via
// [WithLogger]. Repeatable fault logs (task panics, poller errors) are
// rate limited per category.
//
// [logiface]: https://github.com/joeycumines/logiface
package taskloop
