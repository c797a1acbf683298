package taskloop

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// logging wraps the runtime's erased logiface logger. Fault categories that
// can repeat at high frequency (task panics, poller errors) are rate
// limited per category so a wedged fd or a crash-looping task cannot flood
// the sink.
//
// A nil logger disables everything; the helpers are safe on a nil receiver.
type logging struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newLogging(logger *logiface.Logger[logiface.Event]) *logging {
	if logger == nil {
		return nil
	}
	return &logging{
		logger: logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		}),
	}
}

func (l *logging) enabled() bool {
	return l != nil && l.logger != nil
}

// allow applies the per-category rate limit.
func (l *logging) allow(category string) bool {
	_, ok := l.limiter.Allow(category)
	return ok
}

func (l *logging) runtimeStarted(workers int, queueCapacity uint32) {
	if !l.enabled() {
		return
	}
	l.logger.Info().
		Int("workers", workers).
		Uint64("queue_capacity", uint64(queueCapacity)).
		Log("runtime started")
}

func (l *logging) runtimeStopped(dropped int) {
	if !l.enabled() {
		return
	}
	l.logger.Info().
		Int("dropped_tasks", dropped).
		Log("runtime stopped")
}

func (l *logging) workerStarted(id int) {
	if !l.enabled() {
		return
	}
	l.logger.Debug().
		Int("worker", id).
		Log("worker started")
}

func (l *logging) workerStopped(id int, m *workerMetrics) {
	if !l.enabled() {
		return
	}
	b := l.logger.Debug().Int("worker", id)
	if m != nil {
		b = b.
			Uint64("executed", m.executed.Load()).
			Uint64("steals", m.steals.Load()).
			Uint64("parks", m.parks.Load())
	}
	b.Log("worker stopped")
}

func (l *logging) taskPanic(taskID uint64, perr PanicError) {
	if !l.enabled() || !l.allow("task-panic") {
		return
	}
	l.logger.Err().
		Uint64("task", taskID).
		Err(perr).
		Str("stack", string(perr.Stack)).
		Log("task panicked")
}

func (l *logging) pollerError(err error) {
	if !l.enabled() || !l.allow("poller-error") {
		return
	}
	l.logger.Warning().
		Err(err).
		Log("poller error")
}

func (l *logging) reactorFailed(err error) {
	if !l.enabled() {
		return
	}
	l.logger.Crit().
		Err(err).
		Log("reactor poll failed, shutting down")
}
