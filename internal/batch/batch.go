// Package batch runs route operations concurrently with a bounded worker
// pool and deduplicates work items by destination identity.
package batch

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// DefaultConcurrency bounds batch workers when the caller does not.
const DefaultConcurrency = 8

// Apply runs fn over every item with at most limit concurrent workers.
// All items are attempted; the number of failures is returned alongside
// an error wrapping the first one.
func Apply[T any](items []T, limit int, fn func(T) error) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	pool, err := ants.NewPool(limit)
	if err != nil {
		return len(items), fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		wg.Add(1)
		if submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := fn(item); err != nil {
				fail(err)
			}
		}); submitErr != nil {
			wg.Done()
			fail(submitErr)
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return len(errs), fmt.Errorf("batch operation failed: %d of %d items: %w", len(errs), len(items), errs[0])
	}
	return 0, nil
}
