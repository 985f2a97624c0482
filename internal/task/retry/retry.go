package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retry loop by attempt count. There is no overall wall-clock
// cap beyond ctx.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Base is the delay after the first failure; it doubles per retry.
	Base     time.Duration
	MaxDelay time.Duration
	// Jitter is a ±fraction applied to each delay. Zero keeps delays exact.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Options struct {
	Sleep Sleeper
	// OnRetry runs before each wait; attempt is the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
	rng     *rand.Rand
}

// Do calls fn until it succeeds, returns a NoRetry error, ctx ends, or the
// attempt budget is spent. The last error is returned wrapped in ErrExhausted.
func Do(ctx context.Context, p Policy, opts Options, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	rng := opts.rng
	if rng == nil && p.Jitter > 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w: %w", err, last)
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) {
			return err
		}
		last = err
		if attempt == p.Attempts {
			break
		}

		d := Delay(p, attempt, err, rng)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return fmt.Errorf("%w: %w", serr, last)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, last)
}

// Delay computes the wait after the given failed attempt: Base×2^(attempt-1)
// capped by MaxDelay, or the error's RetryAfter hint, with optional jitter.
func Delay(p Policy, attempt int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
