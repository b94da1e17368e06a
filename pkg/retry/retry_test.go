package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 4, InitialDelay: time.Millisecond}, func() error {
		calls++

		return sentinel
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0

	policy := Policy{
		MaxAttempts:  10,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, fatal) },
	}

	err := Do(context.Background(), policy, func() error {
		calls++

		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxAttempts: 3, InitialDelay: time.Minute}, func() error {
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
}
