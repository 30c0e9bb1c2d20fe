package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProcessesSelfExpandingWork(t *testing.T) {
	// One seed unit enqueues 100 children while it runs; all 101 must be
	// processed even though the queue starts with a single unit.
	var processed atomic.Int64
	err := Run(context.Background(), []int{0}, 8, func(_ context.Context, q *Queue[int], unit int) error {
		processed.Add(1)
		if unit == 0 {
			for i := 1; i <= 100; i++ {
				q.Add(i)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), processed.Load())
}

func TestRunProcessesEachUnitOnce(t *testing.T) {
	var mu sync.Mutex
	counts := make(map[int]int)

	initial := make([]int, 50)
	for i := range initial {
		initial[i] = i
	}
	err := Run(context.Background(), initial, 4, func(_ context.Context, q *Queue[int], unit int) error {
		mu.Lock()
		counts[unit]++
		mu.Unlock()
		// Each seed spawns one child in a disjoint key range.
		if unit < 50 {
			q.Add(unit + 1000)
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, counts, 100)
	for unit, n := range counts {
		assert.Equal(t, 1, n, "unit %d processed %d times", unit, n)
	}
}

func TestRunSingleWorker(t *testing.T) {
	// workers=1 means only the calling goroutine runs the queue.
	var processed atomic.Int64
	err := Run(context.Background(), []int{0, 1, 2}, 1, func(_ context.Context, q *Queue[int], unit int) error {
		processed.Add(1)
		if unit == 0 {
			q.Add(10, 11)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), processed.Load())
}

func TestRunStopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	var processed atomic.Int64
	err := Run(context.Background(), []int{1, 2, 3, 4}, 2, func(_ context.Context, _ *Queue[int], unit int) error {
		processed.Add(1)
		if unit == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	// The failing unit itself was processed; others may or may not have
	// run before the stop flag propagated.
	assert.GreaterOrEqual(t, processed.Load(), int64(1))
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Self-replenishing work: every unit enqueues a successor, so the
	// queue never drains on its own.
	var processed atomic.Int64
	err := Run(ctx, []int{0}, 4, func(_ context.Context, q *Queue[int], unit int) error {
		if processed.Add(1) == 10 {
			cancel()
		}
		q.Add(unit + 1)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueErrKeepsFirst(t *testing.T) {
	q := &Queue[int]{}
	first := errors.New("first")
	q.Stop(first)
	q.Stop(errors.New("second"))
	assert.Equal(t, first, q.Err())
}
