// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
)

// TimeoutMessage is the error text recorded for a step that exceeded its deadline.
const TimeoutMessage = "timeout"

// WithDeadline runs fn under a deadline of d. fn receives the derived context.
// If the deadline passes before fn returns, or while fn is returning,
// WithDeadline returns a CodeTimeout error without waiting; fn's result is
// discarded.
// A zero d runs fn without a deadline.
func WithDeadline[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
	case res := <-done:
		// fn may notice the expired deadline and return before we do.
		if ctx.Err() == nil || parent.Err() != nil {
			return res.value, res.err
		}
	}
	if parent.Err() == nil {
		return zero, errors.New(errors.CodeTimeout, TimeoutMessage, ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	}
	return zero, errors.New(errors.CodeContextLost, "context canceled", parent.Err())
}
