package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsEventually(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.Jitter = func(n int64) int64 { return 0 }

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanent(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.Jitter = func(n int64) int64 { return 0 }

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return Permanently(errors.New("bad credentials"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond
	p.Jitter = func(n int64) int64 { return 0 }

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	p := DefaultPolicy()
	p.BaseDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, p, func(ctx context.Context) error {
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}
