package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter spreads each wait uniformly over +/-25%.
	Jitter bool
	// Stop lists errors that end the loop at once.
	Stop []error
}

func Default() Policy {
	return Policy{
		Attempts: 4,
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a stopping error, runs out of
// attempts or ctx ends.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	wait := p.Initial
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if p.stops(err) {
			return zero, err
		}
		if attempt >= attempts {
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(p.jittered(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
		wait = p.next(wait)
	}
}

func (p Policy) stops(err error) bool {
	var perm permanent
	if errors.As(err, &perm) {
		return true
	}
	for _, target := range p.Stop {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (p Policy) next(wait time.Duration) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	wait = time.Duration(float64(wait) * factor)
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

func (p Policy) jittered(wait time.Duration) time.Duration {
	if !p.Jitter || wait <= 0 {
		return wait
	}
	return time.Duration(float64(wait) * (0.75 + rand.Float64()*0.5))
}
