package middleware

import (
    "context"
    "encoding/hex"
    "hash/fnv"
    "time"

    "github.com/goccy/go-json"
    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/types"
)

// DedupKey 事件类型 + 行主键 + value 的哈希；value 相同的重复投递得到同一个 key
func DedupKey(prefix string, e types.Event) string {
    h := fnv.New64a()
    _, _ = h.Write([]byte(e.EventType()))
    _, _ = h.Write([]byte{0})
    _, _ = h.Write([]byte(e.Key))
    _, _ = h.Write([]byte{0})
    if b, err := json.Marshal(e.Value); err == nil {
        _, _ = h.Write(b)
    }
    return prefix + string(e.EventType()) + ":" + hex.EncodeToString(h.Sum(nil))
}

// Dedup 用 SETNX 跳过 ttl 内已处理过的事件；处理失败时删除 key 以便重试
// Redis 不可用时放行
func Dedup(client redis.Cmdable, prefix string, ttl time.Duration, log *zap.Logger) types.Middleware {
    if log == nil {
        log = zap.NewNop()
    }
    return func(ctx context.Context, e types.Event, t types.EventType, next func(context.Context) error) error {
        if client == nil {
            return next(ctx)
        }
        k := DedupKey(prefix, e)
        fresh, err := client.SetNX(ctx, k, e.ID, ttl).Result()
        if err != nil {
            log.Warn("dedup check failed", zap.String("event_type", string(t)), zap.Error(err))
            return next(ctx)
        }
        if !fresh {
            log.Debug("duplicate event skipped", zap.String("event_type", string(t)), zap.String("key", e.Key))
            return nil
        }
        if err := next(ctx); err != nil {
            if derr := client.Del(context.WithoutCancel(ctx), k).Err(); derr != nil {
                log.Warn("dedup release failed", zap.String("event_type", string(t)), zap.Error(derr))
            }
            return err
        }
        return nil
    }
}
