// Package middleware 常用的处理器中间件
package middleware

import (
    "context"
    "time"

    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "github.com/xzhHas/botflow/types"
)

// Logging 记录每次调用的耗时与结果
func Logging(log *zap.Logger) types.Middleware {
    if log == nil {
        log = zap.NewNop()
    }
    return func(ctx context.Context, e types.Event, t types.EventType, next func(context.Context) error) error {
        start := time.Now()
        err := next(ctx)
        fields := []zap.Field{
            zap.String("event_type", string(t)),
            zap.String("event_id", e.ID),
            zap.Duration("elapsed", time.Since(start)),
        }
        if err != nil {
            log.Debug("handler returned error", append(fields, zap.Error(err))...)
            return err
        }
        log.Debug("handler ok", fields...)
        return nil
    }
}

// RateLimit 所有处理器调用共享一个令牌桶；等待可被 ctx 取消
func RateLimit(l *rate.Limiter) types.Middleware {
    return func(ctx context.Context, e types.Event, t types.EventType, next func(context.Context) error) error {
        if err := l.Wait(ctx); err != nil {
            return err
        }
        return next(ctx)
    }
}

// NewLimiter perSecond <= 0 时返回 nil
func NewLimiter(cfg types.RateLimitConfig) *rate.Limiter {
    if cfg.PerSecond <= 0 {
        return nil
    }
    burst := cfg.Burst
    if burst <= 0 {
        burst = int(cfg.PerSecond)
        if burst < 1 {
            burst = 1
        }
    }
    return rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
}
