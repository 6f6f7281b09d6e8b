// Package poll repeats a condition until it's satisfied.
package poll

import (
	"context"
	"errors"
	"time"

	"go.f110.dev/xerrors"
)

var (
	ErrTimedOut = xerrors.New("poll: timed out")
)

// Func reports whether the condition is satisfied.
// A returned error stops polling immediately.
type Func func(ctx context.Context) (done bool, err error)

// Poll calls fn every interval until fn returns true or timeout elapses.
// The first call is made after interval.
func Poll(ctx context.Context, interval, timeout time.Duration, fn Func) error {
	return poll(ctx, interval, timeout, false, fn)
}

// PollImmediate is the same as Poll except that fn is called once before waiting.
func PollImmediate(ctx context.Context, interval, timeout time.Duration, fn Func) error {
	return poll(ctx, interval, timeout, true, fn)
}

func poll(ctx context.Context, interval, timeout time.Duration, immediate bool, fn Func) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if immediate {
		if done, err := call(ctx, interval, fn); err != nil || done {
			return err
		}
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if done, err := call(ctx, interval, fn); err != nil || done {
				return err
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return xerrors.WithStack(ErrTimedOut)
			}
			return xerrors.WithStack(ctx.Err())
		}
	}
}

// call bounds one call of fn by interval.
func call(ctx context.Context, interval time.Duration, fn Func) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	return fn(ctx)
}
