// Package clock abstracts time for the loops that sleep, so tests can drive
// them without waiting.
package clock

import (
	"context"
	"time"
)

// MaxGranule bounds every uninterrupted wait so shutdown stays prompt.
const MaxGranule = 10 * time.Second

// Clock is the time source for scheduler, walker and backoff waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the wall clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// After waits for d on the wall clock.
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

type stopKey struct{}

// WithStop returns ctx carrying stop's cancellation for sleeps only. Requests
// made with the returned context keep running after stop is done, while any
// Sleep or Wait on it returns at the next granule.
func WithStop(ctx, stop context.Context) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

func stopSignal(ctx context.Context) (<-chan struct{}, func() error) {
	stop, ok := ctx.Value(stopKey{}).(context.Context)
	if !ok {
		return nil, func() error { return nil }
	}
	return stop.Done(), stop.Err
}

// Stopped returns the error of the stop context attached with WithStop once
// it is done, and nil otherwise.
func Stopped(ctx context.Context) error {
	_, stopErr := stopSignal(ctx)
	return stopErr()
}

// Sleep waits d on c in steps of at most granule. It returns ctx's error as
// soon as ctx is done, and the stop context's error when one attached with
// WithStop is done.
func Sleep(ctx context.Context, c Clock, d, granule time.Duration) error {
	if granule <= 0 || granule > MaxGranule {
		granule = MaxGranule
	}
	stopped, stopErr := stopSignal(ctx)
	for remaining := d; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stopErr(); err != nil {
			return err
		}
		step := min(remaining, granule)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			return stopErr()
		case <-c.After(step):
		}
		remaining -= step
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return stopErr()
}

// Wait sleeps d on the wall clock in MaxGranule steps.
func Wait(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, System{}, d, MaxGranule)
}
