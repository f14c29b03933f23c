package netutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrier_Do(t *testing.T) {
	r := NewRetrier(nil, time.Millisecond*10, time.Millisecond*500, 2)
	c := 0
	threshold := 2
	f := func() error {
		c++
		if c >= threshold {
			return nil
		}
		return errors.New("foo")
	}

	t.Run("should retry", func(t *testing.T) {
		c = 0

		err := r.Do(context.Background(), f)
		require.NoError(t, err)
	})

	t.Run("if retry reaches threshold should error", func(t *testing.T) {
		c = 0
		threshold = 1000
		defer func() {
			threshold = 2
		}()

		err := r.Do(context.Background(), f)
		require.Equal(t, ErrThresholdReached, err)
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := r.Do(ctx, func() error { return errors.New("foo") })
		require.Equal(t, context.Canceled, err)
	})

	t.Run("should return whitelisted errors if any instead of retry", func(t *testing.T) {
		bar := errors.New("bar")
		wR := NewRetrier(nil, 10*time.Millisecond, time.Second, 2).WithErrWhitelist(bar)
		barF := func() error {
			return bar
		}

		err := wR.Do(context.Background(), barF)
		require.EqualError(t, err, bar.Error())
	})
}
