// Package workqueue implements a concurrent, self-expanding work queue.
//
// A unit's processor may enqueue further units discovered while it runs
// (e.g. a redirect manifest pointing at more containers), so the queue is
// only drained once no unit is waiting AND no unit is in flight.
package workqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// pollInterval bounds the spin of a worker that finds the queue
// transiently empty while other workers are still processing.
const pollInterval = 500 * time.Microsecond

// Func processes one unit. It may call q.Add to schedule more units
// before it returns. A non-nil error stops the whole queue.
type Func[T any] func(ctx context.Context, q *Queue[T], unit T) error

// Queue is a FIFO work queue with a remaining-count completion check.
//
// The count is incremented on every Add and decremented only after a
// unit's processor returns, so a unit that enqueues children can never
// cause another worker to observe a premature empty queue.
type Queue[T any] struct {
	mu    sync.Mutex
	units []T

	remaining atomic.Int64
	stopped   atomic.Bool

	errMu    sync.Mutex
	firstErr error
}

// Add schedules units for processing. Safe to call from processors.
func (q *Queue[T]) Add(units ...T) {
	q.remaining.Add(int64(len(units)))
	q.mu.Lock()
	q.units = append(q.units, units...)
	q.mu.Unlock()
}

// Stop requests a cooperative stop: workers exit at their next poll
// without draining remaining units. Already-started units run to
// completion. err (may be nil) is retained as the queue's result if no
// earlier error was recorded.
func (q *Queue[T]) Stop(err error) {
	if err != nil {
		q.errMu.Lock()
		if q.firstErr == nil {
			q.firstErr = err
		}
		q.errMu.Unlock()
	}
	q.stopped.Store(true)
}

// Err returns the first error recorded by Stop, if any.
func (q *Queue[T]) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.firstErr
}

func (q *Queue[T]) pop() (unit T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.units) == 0 {
		return unit, false
	}
	unit = q.units[0]
	q.units = q.units[1:]
	return unit, true
}

// work is one worker loop. It exits when the remaining count reaches
// zero, the stop flag is set, or ctx is canceled.
func (q *Queue[T]) work(ctx context.Context, fn Func[T]) error {
	for q.remaining.Load() > 0 {
		if q.stopped.Load() {
			return q.Err()
		}
		if err := ctx.Err(); err != nil {
			q.Stop(err)
			return err
		}
		unit, ok := q.pop()
		if !ok {
			// Queue is transiently empty but in-flight units may still
			// enqueue more work. Keep polling instead of exiting.
			time.Sleep(pollInterval)
			continue
		}
		err := fn(ctx, q, unit)
		// Decrement only after the processor returned, success or not.
		q.remaining.Add(-1)
		if err != nil {
			q.Stop(err)
			return err
		}
	}
	return nil
}

// Run processes the initial units (and any units they transitively
// enqueue) across workers goroutines plus the calling goroutine. It
// returns the first processor error, or the cancellation error if ctx
// was canceled, or nil once all units were processed.
func Run[T any](ctx context.Context, initial []T, workers int, fn Func[T]) error {
	q := &Queue[T]{}
	q.Add(initial...)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < workers; i++ {
		g.Go(func() error {
			return q.work(gctx, fn)
		})
	}

	// The calling goroutine participates as a worker too.
	callerErr := q.work(gctx, fn)
	if callerErr != nil {
		// Make sure the other workers observe the stop promptly.
		q.Stop(callerErr)
	}
	waitErr := g.Wait()

	if err := q.Err(); err != nil {
		return err
	}
	if callerErr != nil {
		return callerErr
	}
	return waitErr
}
