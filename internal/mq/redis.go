package mq

import (
    "context"
    "sync"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/types"
)

// RedisSource 订阅 bot:<id>:commands 频道
type RedisSource struct {
    *commandBuffer
    client  redis.UniversalClient
    channel string
    log     *zap.Logger

    mu     sync.Mutex
    cancel context.CancelFunc
    done   chan struct{}
    ready  chan struct{}
    once   sync.Once
}

func NewRedisSource(client redis.UniversalClient, cfg types.CommandConfig, log *zap.Logger, m *metrics.Metrics) *RedisSource {
    if log == nil {
        log = zap.NewNop()
    }
    log = log.With(zap.String("service", "RedisCommandListener"), zap.String("channel", cfg.ChannelName()))
    return &RedisSource{
        commandBuffer: newCommandBuffer(cfg.Capacity, cfg.Strategy, log, m),
        client:        client,
        channel:       cfg.ChannelName(),
        log:           log,
        ready:         make(chan struct{}),
    }
}

// Start 启动后台订阅；断线按退避重连
func (r *RedisSource) Start(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cancel != nil {
        return types.ErrAlreadyStarted
    }
    ctx, cancel := context.WithCancel(ctx)
    r.cancel = cancel
    r.done = make(chan struct{})
    go func() {
        defer close(r.done)
        connectLoop(ctx, r.log, r.listen)
    }()
    return nil
}

// Ready 首次订阅成功后关闭
func (r *RedisSource) Ready() <-chan struct{} { return r.ready }

func (r *RedisSource) listen(ctx context.Context) error {
    sub := r.client.Subscribe(ctx, r.channel)
    defer sub.Close()
    if _, err := sub.Receive(ctx); err != nil {
        return err
    }
    r.once.Do(func() { close(r.ready) })
    r.log.Info("subscribed to command channel")
    ch := sub.Channel()
    for {
        select {
        case <-ctx.Done():
            return nil
        case msg, ok := <-ch:
            if !ok {
                return nil
            }
            r.accept([]byte(msg.Payload))
        }
    }
}

func (r *RedisSource) Close() error {
    r.mu.Lock()
    cancel, done := r.cancel, r.done
    r.mu.Unlock()
    if cancel != nil {
        cancel()
        <-done
    }
    r.close()
    return nil
}
