package service

import (
	"context"
	"errors"
	"time"

	"github.com/layer-3/custodian/core"
)

// callWithTimeout bounds a call to an external collaborator. A timeout
// surfaces as a retryable error of the given kind; the call itself keeps
// running in the background until it notices the cancelled context.
func callWithTimeout[T any](ctx context.Context, d time.Duration, kind error, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && (errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled)) {
			return r.val, core.Retryable(kind, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, core.Retryable(kind, ctx.Err())
	}
}
