// Package mq 命令旁路通道：Redis pub/sub 与 RabbitMQ
package mq

import (
    "context"
    "errors"
    "time"

    "github.com/goccy/go-json"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/queue"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/types"
)

// ReconnectPolicy 连接失败时的退避；耗尽后等待 CooldownDelay 再开始下一轮
var (
    ReconnectPolicy = retry.Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
    CooldownDelay   = time.Minute
)

// commandBuffer 收到的命令先进缓冲，再由 Next 取出
type commandBuffer struct {
    buf     *queue.Buffer[types.CommandEvent]
    log     *zap.Logger
    metrics *metrics.Metrics
}

func newCommandBuffer(capacity int, strategy types.BackpressureStrategy, log *zap.Logger, m *metrics.Metrics) *commandBuffer {
    if capacity <= 0 {
        capacity = types.DefaultCommandCapacity
    }
    return &commandBuffer{
        buf:     queue.NewBuffer[types.CommandEvent](capacity, strategy != types.DropNewest),
        log:     log,
        metrics: m,
    }
}

// accept 解码一条消息；非命令或格式错误的消息记日志后跳过
func (b *commandBuffer) accept(body []byte) {
    var ev types.CommandEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        b.log.Warn("invalid command payload", zap.Error(err), zap.ByteString("body", truncate(body, 256)))
        return
    }
    if ev.Type != types.CommandEventType {
        b.log.Debug("ignoring non-command message", zap.String("type", ev.Type))
        return
    }
    if ev.CommandName == "" {
        b.log.Warn("command without name", zap.String("channel_id", ev.ChannelID))
        return
    }
    ok, evicted := b.buf.Offer(ev)
    if evicted || !ok {
        b.metrics.CommandDrop()
        b.log.Warn("command buffer full, dropping", zap.String("command", ev.CommandName), zap.Bool("evicted_oldest", evicted))
    }
    if ok {
        b.metrics.CommandQueued(b.buf.Size())
    }
}

func (b *commandBuffer) Next(ctx context.Context) (types.CommandEvent, error) {
    ev, err := b.buf.Take(ctx)
    if err != nil {
        if errors.Is(err, types.ErrQueueClosed) {
            return types.CommandEvent{}, types.ErrSourceClosed
        }
        return types.CommandEvent{}, err
    }
    b.metrics.CommandTaken(b.buf.Size())
    return ev, nil
}

func (b *commandBuffer) close() { b.buf.Close() }

// connectLoop 反复调用 connect 直到 ctx 取消；connect 在连接断开时返回
func connectLoop(ctx context.Context, log *zap.Logger, connect func(ctx context.Context) error) {
    for ctx.Err() == nil {
        err := retry.Do(ctx, ReconnectPolicy, func(ctx context.Context, attempt int) error {
            err := connect(ctx)
            if ctx.Err() != nil {
                return nil
            }
            if err == nil {
                err = errors.New("connection closed")
            }
            return err
        }, func(attempt int, err error) {
            log.Warn("command channel disconnected, reconnecting", zap.Int("attempt", attempt), zap.Error(err))
        })
        if ctx.Err() != nil {
            return
        }
        log.Error("command channel reconnect exhausted, cooling down", zap.Error(err), zap.Duration("wait", CooldownDelay))
        if retry.Sleep(ctx, CooldownDelay) != nil {
            return
        }
    }
}

func truncate(b []byte, n int) []byte {
    if len(b) > n {
        return b[:n]
    }
    return b
}
