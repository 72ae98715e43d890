// Package worker provides the bounded fan-out primitive the ingestion
// worker (C6) and consolidator (C7) use to process users and sections
// concurrently, grounded on the teacher's src/concurrent/pool.go
// WorkerPool/ParallelForEach.
package worker

import (
	"context"
	"sync"
)

// ParallelForEach runs fn on every item with at most maxConcurrency
// in flight at once, returning the first error encountered (others are
// still allowed to finish). maxConcurrency <= 0 defaults to 10.
func ParallelForEach[T any](ctx context.Context, items []T, maxConcurrency int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)
	errs := make(chan error, len(items))

	for _, item := range items {
		wg.Add(1)
		go func(val T) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
				if err := fn(ctx, val); err != nil {
					errs <- err
				}
			}
		}(item)
	}

	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return first
}
