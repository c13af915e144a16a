package retry_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/HMasataka/aeyes/pkg/retry"
	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{
		Attempts:     attempts,
		BaseInterval: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}
}

func TestBackoff(t *testing.T) {
	t.Run("上限で打ち止め", func(t *testing.T) {
		d := retry.Backoff(20, 10*time.Millisecond, 100*time.Millisecond)

		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	})

	t.Run("指数的に増える", func(t *testing.T) {
		d := retry.Backoff(2, 10*time.Millisecond, time.Second)

		assert.GreaterOrEqual(t, d, 36*time.Millisecond)
		assert.LessOrEqual(t, d, 44*time.Millisecond)
	})
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, retry.ShouldRetry(nil))
	assert.False(t, retry.ShouldRetry(io.EOF))
	assert.False(t, retry.ShouldRetry(context.Canceled))
	assert.False(t, retry.ShouldRetry(retry.Permanent(errors.New("bad handshake"))))
	assert.True(t, retry.ShouldRetry(errors.New("connection refused")))
}

func TestDo(t *testing.T) {
	t.Run("成功するまで再試行", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), fastConfig(5), func(attempt int) error {
			calls++
			if attempt < 2 {
				return errors.New("not yet")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("試行回数を使い切る", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), fastConfig(3), func(int) error {
			calls++
			return errors.New("refused")
		})

		assert.EqualError(t, err, "refused")
		assert.Equal(t, 3, calls)
	})

	t.Run("Permanentは即座に返す", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("forbidden")
		err := retry.Do(context.Background(), fastConfig(3), func(int) error {
			calls++
			return retry.Permanent(sentinel)
		})

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("キャンセルで中断", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := retry.Do(ctx, fastConfig(3), func(int) error {
			return errors.New("refused")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
