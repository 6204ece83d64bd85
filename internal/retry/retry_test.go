package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestPolicy_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_Exhausted(t *testing.T) {
	var calls int
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_PermanentStops(t *testing.T) {
	sentinel := errors.New("contract not deployed")
	var calls int
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetryableClassifier(t *testing.T) {
	other := errors.New("reverted")
	var calls int
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestPolicy_OnRetryAndMaxDelay(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    12 * time.Millisecond,
		OnRetry:     func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errTransient })

	require.Len(t, waits, 3)
	for _, w := range waits {
		assert.LessOrEqual(t, w, 12*time.Millisecond)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Policy{MaxAttempts: 10, BaseDelay: time.Second}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	inner := errors.New("inner")
	var pe *PermanentError
	require.ErrorAs(t, Permanent(inner), &pe)
	assert.ErrorIs(t, Permanent(inner), inner)
}
