// Package retry 提供带指数退避的有限重试
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config 重试参数
type Config struct {
	MaxAttempts int           // 最多尝试次数 (含第一次)，<=0 时按 1 处理
	InitialWait time.Duration // 第一次重试前的等待
	MaxWait     time.Duration // 单次等待上限
	Multiplier  float64       // 退避倍数
	Jitter      float64       // 抖动比例 (0-1)

	// Retryable 判断错误是否值得重试，为 nil 时任何错误都不重试
	Retryable func(error) bool
}

// DefaultConfig 默认参数: 3 次尝试，500ms 起步，最多等 10s
func DefaultConfig(retryable func(error) bool) Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		Retryable:   retryable,
	}
}

// Do 执行 fn，遇到可重试错误时退避后再试
// 返回最后一次的错误；ctx 取消时返回 ctx.Err()
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult 与 Do 相同，但带返回值
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if cfg.Retryable == nil || !cfg.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		timer := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// backoff 计算第 attempt 次失败后的等待时间
func backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
