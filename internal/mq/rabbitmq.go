package mq

import (
    "context"
    "errors"
    "sync"

    amqp "github.com/rabbitmq/amqp091-go"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/types"
)

// RabbitSource 从 RabbitMQ 队列消费命令；声明 exchange 时按 routing key 绑定
type RabbitSource struct {
    *commandBuffer
    cfg types.RabbitMQConfig
    log *zap.Logger

    mu     sync.Mutex
    cancel context.CancelFunc
    done   chan struct{}
}

func NewRabbitSource(cfg types.CommandConfig, log *zap.Logger, m *metrics.Metrics) *RabbitSource {
    if log == nil {
        log = zap.NewNop()
    }
    rc := cfg.RabbitMQ
    if rc.Queue == "" {
        rc.Queue = cfg.ChannelName()
    }
    if rc.RoutingKey == "" {
        rc.RoutingKey = rc.Queue
    }
    log = log.With(zap.String("service", "RabbitCommandListener"), zap.String("queue", rc.Queue))
    return &RabbitSource{
        commandBuffer: newCommandBuffer(cfg.Capacity, cfg.Strategy, log, m),
        cfg:           rc,
        log:           log,
    }
}

func (r *RabbitSource) Start(ctx context.Context) error {
    if r.cfg.URL == "" {
        return errors.New("rabbitmq url is empty")
    }
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
        connectLoop(ctx, r.log, r.consume)
    }()
    return nil
}

func (r *RabbitSource) consume(ctx context.Context) error {
    conn, err := amqp.Dial(r.cfg.URL)
    if err != nil {
        return err
    }
    defer conn.Close()
    ch, err := conn.Channel()
    if err != nil {
        return err
    }
    defer ch.Close()
    if err := declare(ch, r.cfg); err != nil {
        return err
    }
    msgs, err := ch.Consume(r.cfg.Queue, "", false, false, false, false, nil)
    if err != nil {
        return err
    }
    r.log.Info("consuming command queue")
    for {
        select {
        case <-ctx.Done():
            return nil
        case d, ok := <-msgs:
            if !ok {
                return errors.New("delivery channel closed")
            }
            r.accept(d.Body)
            if err := d.Ack(false); err != nil {
                r.log.Warn("ack failed", zap.Error(err))
            }
        }
    }
}

func declare(ch *amqp.Channel, cfg types.RabbitMQConfig) error {
    if cfg.Exchange != "" {
        if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
            return err
        }
    }
    if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
        return err
    }
    if cfg.Exchange != "" {
        return ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil)
    }
    return nil
}

func (r *RabbitSource) Close() error {
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
