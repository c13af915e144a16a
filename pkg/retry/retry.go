package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"
)

// Config はリトライの設定を保持する
type Config struct {
	Attempts     int
	BaseInterval time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig はデフォルトのリトライ設定を返す
func DefaultConfig() Config {
	return Config{
		Attempts:     6,
		BaseInterval: 100 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
	}
}

// Backoff は指数バックオフ + ジッターを計算する
func Backoff(attempt int, baseInterval, maxBackoff time.Duration) time.Duration {
	d := baseInterval << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	// +/-10% jitter
	return time.Duration(int64(d) * int64(9+rand.Intn(3)) / 10)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent はリトライしても意味のないエラーを包む
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ShouldRetry はエラーに基づいてリトライすべきか判定する
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

// Do は fn が成功するか、リトライ不可能なエラーを返すか、試行回数を使い切るまで実行する。
// 最後に観測したエラーを返す。
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var err error

	for i := 0; i < cfg.Attempts; i++ {
		if err = fn(i); !ShouldRetry(err) {
			return err
		}

		if i == cfg.Attempts-1 {
			break
		}

		timer := time.NewTimer(Backoff(i, cfg.BaseInterval, cfg.MaxBackoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}

	return err
}
