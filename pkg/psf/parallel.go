package psf

import "fmt"

// parallelFor runs fn for 0..n-1 on workers goroutines and collects the
// results over a channel, reporting progress as items complete
func parallelFor(n, workers int, progress ProgressCallback, message string, fn func(i int) error) error {
	type processingResult struct {
		idx int
		err error
	}
	jobs := make(chan int)
	resultChan := make(chan processingResult)

	for w := 0; w < min(workers, n); w++ {
		go func() {
			for i := range jobs {
				resultChan <- processingResult{idx: i, err: fn(i)}
			}
		}()
	}
	go func() {
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	var firstErr error
	for completed := 1; completed <= n; completed++ {
		res := <-resultChan
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: item %d: %w", message, res.idx, res.err)
		}
		if progress != nil {
			progress(completed, n, message)
		}
	}
	return firstErr
}
