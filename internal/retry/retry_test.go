package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelaySequence(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 45; attempt++ {
		want := DefaultShortDelay
		if attempt == 20 || attempt == 40 {
			want = DefaultLongDelay
		}
		assert.Equal(t, want, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestScheduleIsABackOff(t *testing.T) {
	var b backoff.BackOff = Policy{Short: time.Second, Long: time.Minute, LongEvery: 3}.BackOff()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Minute, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 1, b.(*Schedule).Attempt())
}

func TestRunRecordsBackoffOverManyAttempts(t *testing.T) {
	var waits []time.Duration
	var attempts []Attempt
	r := New(DefaultPolicy(), func(a Attempt) { attempts = append(attempts, a) })
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 41 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, waits, 41)

	for i, d := range waits {
		attempt := i + 1
		if attempt%20 == 0 {
			assert.Equal(t, 5*time.Minute, d, "attempt %d", attempt)
			assert.True(t, attempts[i].Long)
		} else {
			assert.Equal(t, 5*time.Second, d, "attempt %d", attempt)
			assert.False(t, attempts[i].Long)
		}
		assert.Equal(t, attempt, attempts[i].Number)
	}
}

func TestRunDoesNotRetryCancellation(t *testing.T) {
	r := New(DefaultPolicy(), nil)
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("cancellation must not be retried")
		return nil
	}

	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	err = r.Run(ctx, func(ctx context.Context) error {
		cancel()
		return errors.New("read failed")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad credentials")
	r := New(DefaultPolicy(), nil)

	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))
	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRunWaitIsCancellable(t *testing.T) {
	r := New(Policy{Short: time.Hour, Long: time.Hour, LongEvery: 20}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(ctx context.Context) error { return errors.New("down") })
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
