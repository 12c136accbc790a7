package services

import (
	"context"
	"sync"
	"sync/atomic"
)

// RunWithConcurrency executes tasks with at most `concurrency` in flight.
// Workers share a cursor, so no task starts before a worker claims it and no
// index is claimed twice. Results land at each task's original index, so the
// returned slice is in submission order regardless of completion order.
//
// The first task error cancels the remaining work and fails the whole run;
// callers that must survive individual failures catch inside the task.
func RunWithConcurrency[T any](ctx context.Context, tasks []func(context.Context) (T, error), concurrency int) ([]T, error) {
	results := make([]T, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(tasks) {
		concurrency = len(tasks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		cursor  atomic.Int64
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	cursor.Store(-1)

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(cursor.Add(1))
				if i >= len(tasks) {
					return
				}
				if ctx.Err() != nil {
					return
				}
				out, err := tasks[i](ctx)
				if err != nil {
					errOnce.Do(func() {
						runErr = err
						cancel()
					})
					return
				}
				results[i] = out
			}
		}()
	}
	wg.Wait()

	if runErr != nil {
		return nil, runErr
	}
	return results, nil
}
