package retry

import (
    "context"
    "errors"
    "fmt"
    "math"
    "math/rand"
    "time"
)

var ErrMaxAttempts = errors.New("max attempts reached")

// Policy 指数退避：BaseDelay * Factor^(n-1)，上限 MaxDelay，再乘以 [1-Jitter, 1+Jitter] 的随机因子
// 总尝试次数为 MaxRetries+1
type Policy struct {
    MaxRetries int
    BaseDelay  time.Duration
    MaxDelay   time.Duration
    Factor     float64
    Jitter     float64
}

func DefaultPolicy() Policy {
    return Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, Jitter: 0.2}
}

// Backoff 第 n 次重试（从 1 开始）之前的等待时间
func (p Policy) Backoff(n int) time.Duration {
    if n < 1 {
        n = 1
    }
    factor := p.Factor
    if factor <= 1 {
        factor = 2
    }
    d := float64(p.BaseDelay) * math.Pow(factor, float64(n-1))
    if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
        d = float64(p.MaxDelay)
    }
    if p.Jitter > 0 {
        j := math.Min(p.Jitter, 1)
        d *= 1 + (rand.Float64()*2*j - j)
    }
    if d < 0 {
        return 0
    }
    return time.Duration(d)
}

// Do 执行 fn，失败按策略退避重试；ctx 取消时立即返回 ctx.Err()
// 实现了 Retryable() bool 且返回 false 的错误不会重试
// onRetry 在每次重试等待之前调用，可以为 nil
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) error {
    var last error
    for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
        if err := ctx.Err(); err != nil {
            return err
        }
        last = fn(ctx, attempt)
        if last == nil {
            return nil
        }
        if !retryable(last) || attempt > p.MaxRetries {
            break
        }
        if onRetry != nil {
            onRetry(attempt, last)
        }
        if err := Sleep(ctx, p.Backoff(attempt)); err != nil {
            return err
        }
    }
    if !retryable(last) {
        return last
    }
    return fmt.Errorf("%w: %w", ErrMaxAttempts, last)
}

// Sleep 可被 ctx 打断的等待
func Sleep(ctx context.Context, d time.Duration) error {
    if d <= 0 {
        return ctx.Err()
    }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}

func retryable(err error) bool {
    var r interface{ Retryable() bool }
    if errors.As(err, &r) {
        return r.Retryable()
    }
    return true
}
