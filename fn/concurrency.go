package fn

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrFunc is the work function ParSlice fans out: it receives the run's
// context so it can stop early once a sibling has failed.
type ErrFunc[V any] func(context.Context, V) error

// ParSlice runs f over every element of s with at most limit goroutines
// in flight, blocking until all of them finish or the first error cancels
// the remainder. A non-positive limit falls back to the number of CPUs.
// The first non-nil error is returned.
//
// The limit matters for the adaptor signature fan-outs: a numeric
// contract can carry thousands of signature slots, and the caller decides
// how much of the machine a single contract operation may occupy.
func ParSlice[V any](ctx context.Context, s []V, limit int,
	f ErrFunc[V]) error {

	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.SetLimit(limit)

	for _, v := range s {
		v := v
		errGroup.Go(func() error {
			return f(ctx, v)
		})
	}

	return errGroup.Wait()
}
