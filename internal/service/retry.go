package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"creditledger/internal/metrics"
)

// RetryPolicy 条件写冲突（ErrStaleBalance）的有界重试
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Do 执行 fn，仅在 ErrStaleBalance 时重试；次数用尽返回 ErrStaleBalanceExhausted，
// 调用方据此拒绝请求（fail-closed），不会跳过扣款也不会重复扣款
func (p RetryPolicy) Do(ctx context.Context, m *metrics.Metrics, operation string, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			m.StaleRetry(operation)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil || !errors.Is(lastErr, ErrStaleBalance) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %v", ErrStaleBalanceExhausted, lastErr)
}

// backoff 指数退避 + 随机抖动，避免同一用户的并发请求同时重试
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
