package fallback

import (
	"context"
	"time"
)

// RetryPolicy 描述指数退避重试。Retryable 为 nil 时所有错误都会重试。
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Retryable    func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy 返回 3 次尝试、500ms 起步的退避策略。
func DefaultRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Retryable:    retryable,
	}
}

// WithSleeper 替换等待函数，测试中用于跳过真实等待。
func (p RetryPolicy) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RetryPolicy {
	p.sleep = sleep
	return p
}

// Do 执行 fn，遇到可重试错误时按退避间隔重试，返回最后一次的错误。
func Do[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := policy.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	delay := policy.InitialDelay

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts || (policy.Retryable != nil && !policy.Retryable(err)) {
			break
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return result, err
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
