// Package retry runs a connection loop forever with the reconnect backoff
// used by the harvesters.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultShortDelay = 5 * time.Second
	DefaultLongDelay  = 5 * time.Minute
	DefaultLongEvery  = 20
)

// Policy waits Short after a failed attempt, except every LongEvery-th attempt
// which waits Long.
type Policy struct {
	Short     time.Duration
	Long      time.Duration
	LongEvery int
}

func DefaultPolicy() Policy {
	return Policy{Short: DefaultShortDelay, Long: DefaultLongDelay, LongEvery: DefaultLongEvery}
}

// Delay returns the wait after the given 1-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.LongEvery > 0 && attempt > 0 && attempt%p.LongEvery == 0 {
		return p.Long
	}
	return p.Short
}

// IsLong reports whether attempt falls on the long wait.
func (p Policy) IsLong(attempt int) bool {
	return p.LongEvery > 0 && attempt > 0 && attempt%p.LongEvery == 0
}

// Schedule hands out the delays of a Policy as a backoff.BackOff.
type Schedule struct {
	policy  Policy
	attempt int
}

var _ backoff.BackOff = (*Schedule)(nil)

func (p Policy) BackOff() *Schedule {
	return &Schedule{policy: p}
}

func (s *Schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *Schedule) Reset() { s.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (s *Schedule) Attempt() int { return s.attempt }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Attempt describes a failure that is about to be retried.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
	Long   bool
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Retrier struct {
	Policy  Policy
	Sleep   Sleeper
	OnRetry func(Attempt)
}

func New(p Policy, onRetry func(Attempt)) *Retrier {
	return &Retrier{Policy: p, Sleep: sleepContext, OnRetry: onRetry}
}

// Run calls fn until it returns nil, a permanent error, or ctx ends.
// Cancellation is never retried.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	b := r.Policy.BackOff()
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.Canceled) || IsPermanent(err) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if r.OnRetry != nil {
			attempt := b.Attempt()
			r.OnRetry(Attempt{Number: attempt, Err: err, Delay: delay, Long: r.Policy.IsLong(attempt)})
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
