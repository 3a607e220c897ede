package stream

import (
    "context"
    "errors"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/multierr"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/types"
)

type Options struct {
    // OpenPolicy 打开订阅时的重试策略
    OpenPolicy retry.Policy
    // ReconnectPolicy 订阅中断后重新打开的退避策略，耗尽后从头再来直到 ctx 取消
    ReconnectPolicy retry.Policy
    Logger          *zap.Logger
    Metrics         *metrics.Metrics
    Now             func() time.Time
}

// Subscriber 为每张需要的表打开一条订阅，解码后写入 Sink
type Subscriber struct {
    stream  ChangeStream
    configs map[string]types.ShapeSubscriptionConfig
    sink    Sink
    opts    Options
    log     *zap.Logger

    mu      sync.Mutex
    subs    map[string]Subscription
    cancel  context.CancelFunc
    wg      sync.WaitGroup
    started bool
    closed  bool
}

func NewSubscriber(stream ChangeStream, configs []types.ShapeSubscriptionConfig, sink Sink, opts Options) *Subscriber {
    if opts.Logger == nil {
        opts.Logger = zap.NewNop()
    }
    if opts.Now == nil {
        opts.Now = time.Now
    }
    if opts.OpenPolicy.BaseDelay <= 0 {
        opts.OpenPolicy = retry.Policy{MaxRetries: types.DefaultOpenAttempts - 1, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}
    }
    if opts.ReconnectPolicy.BaseDelay <= 0 {
        opts.ReconnectPolicy = retry.Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
    }
    cm := make(map[string]types.ShapeSubscriptionConfig, len(configs))
    for _, c := range configs {
        cm[c.Table] = c
    }
    return &Subscriber{
        stream:  stream,
        configs: cm,
        sink:    sink,
        opts:    opts,
        log:     opts.Logger.With(zap.String("service", "ShapeStreamSubscriber")),
        subs:    make(map[string]Subscription),
    }
}

// Start 为每张表打开订阅；任意一张打不开则关闭已打开的订阅并返回聚合的 StreamError
func (s *Subscriber) Start(ctx context.Context, tables []string) error {
    s.mu.Lock()
    if s.started {
        s.mu.Unlock()
        return types.ErrAlreadyStarted
    }
    s.started = true
    s.mu.Unlock()

    if len(tables) == 0 {
        s.log.Info("no tables required, skipping subscriptions")
        return nil
    }
    if s.stream == nil {
        return &types.StreamError{Table: tables[0], Err: errors.New("no change stream configured")}
    }

    var (
        errMu  sync.Mutex
        errs   error
        wg     sync.WaitGroup
        opened = make(map[string]Subscription, len(tables))
    )
    for _, table := range tables {
        cfg, ok := s.configs[table]
        if !ok {
            errs = multierr.Append(errs, &types.StreamError{Table: table, Err: types.ErrNoSubscription})
            continue
        }
        wg.Add(1)
        go func(cfg types.ShapeSubscriptionConfig) {
            defer wg.Done()
            sub, err := s.open(ctx, cfg, s.opts.OpenPolicy)
            errMu.Lock()
            defer errMu.Unlock()
            if err != nil {
                errs = multierr.Append(errs, &types.StreamError{Table: cfg.Table, Err: err})
                return
            }
            opened[cfg.Table] = sub
        }(cfg)
    }
    wg.Wait()

    if errs != nil {
        for table, sub := range opened {
            if err := sub.Close(); err != nil {
                s.log.Warn("close after failed start", zap.String("table", table), zap.Error(err))
            }
        }
        return errs
    }

    runCtx, cancel := context.WithCancel(ctx)
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        cancel()
        for _, sub := range opened {
            _ = sub.Close()
        }
        return &types.StreamError{Table: tables[0], Err: types.ErrSubscriptionClosed}
    }
    s.cancel = cancel
    for table, sub := range opened {
        s.subs[table] = sub
    }
    s.mu.Unlock()

    for table, sub := range opened {
        s.wg.Add(1)
        go s.run(runCtx, s.configs[table], sub)
        s.log.Info("subscribed", zap.String("table", table))
    }
    return nil
}

func (s *Subscriber) open(ctx context.Context, cfg types.ShapeSubscriptionConfig, p retry.Policy) (Subscription, error) {
    var sub Subscription
    err := retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
        var err error
        sub, err = s.stream.Subscribe(ctx, cfg)
        return err
    }, func(attempt int, err error) {
        s.log.Warn("subscribe failed, retrying", zap.String("table", cfg.Table), zap.Int("attempt", attempt), zap.Error(err))
    })
    return sub, err
}

func (s *Subscriber) run(ctx context.Context, cfg types.ShapeSubscriptionConfig, sub Subscription) {
    defer s.wg.Done()
    log := s.log.With(zap.String("table", cfg.Table))
    for {
        msg, err := sub.Next(ctx)
        if err != nil {
            if ctx.Err() != nil || errors.Is(err, types.ErrSubscriptionClosed) {
                return
            }
            log.Warn("subscription interrupted", zap.Error(err))
            _ = sub.Close()
            if sub = s.reopen(ctx, cfg); sub == nil {
                return
            }
            continue
        }
        if err := s.handle(cfg, msg); err != nil {
            if errors.Is(err, types.ErrQueueClosed) {
                return
            }
            log.Error("offer failed", zap.Error(err))
        }
    }
}

// reopen 一直重试直到成功或 ctx 取消；取消时返回 nil
func (s *Subscriber) reopen(ctx context.Context, cfg types.ShapeSubscriptionConfig) Subscription {
    for {
        sub, err := s.open(ctx, cfg, s.opts.ReconnectPolicy)
        if err == nil {
            s.mu.Lock()
            if s.closed {
                s.mu.Unlock()
                _ = sub.Close()
                return nil
            }
            s.subs[cfg.Table] = sub
            s.mu.Unlock()
            s.opts.Metrics.Reconnected(cfg.Table)
            s.log.Info("resubscribed", zap.String("table", cfg.Table))
            return sub
        }
        if ctx.Err() != nil {
            return nil
        }
        s.log.Error("resubscribe exhausted, waiting", zap.String("table", cfg.Table), zap.Error(err))
        if retry.Sleep(ctx, s.opts.ReconnectPolicy.MaxDelay) != nil {
            return nil
        }
    }
}

func (s *Subscriber) handle(cfg types.ShapeSubscriptionConfig, msg ChangeMessage) error {
    if !msg.IsChange() {
        s.log.Debug("non-data message", zap.String("table", cfg.Table), zap.String("control", msg.Headers.Control))
        return nil
    }
    s.opts.Metrics.Received(cfg.Table)
    e, err := s.decode(cfg, msg)
    if err != nil {
        s.opts.Metrics.Invalid(cfg.Table)
        s.log.Warn("dropping invalid change record",
            zap.String("table", cfg.Table),
            zap.String("operation", msg.Headers.Operation),
            zap.String("key", msg.Key),
            zap.Error(err))
        return nil
    }
    return s.sink.Offer(e)
}

func (s *Subscriber) decode(cfg types.ShapeSubscriptionConfig, msg ChangeMessage) (types.Event, error) {
    op, err := types.ParseOperation(msg.Headers.Operation)
    if err != nil {
        return types.Event{}, &types.ValidationError{Table: cfg.Table, Err: err}
    }
    var value any = []byte(msg.Value)
    if cfg.Schema != nil {
        value, err = cfg.Schema.Decode(msg.Value)
        if err != nil {
            return types.Event{}, &types.ValidationError{Table: cfg.Table, Operation: op, Err: err}
        }
    }
    return types.Event{
        ID:        uuid.NewString(),
        Operation: op,
        Table:     cfg.Table,
        Key:       msg.Key,
        Value:     value,
        Timestamp: s.opts.Now(),
    }, nil
}

// Close 取消所有订阅并等待读循环退出；可重复调用
func (s *Subscriber) Close() error {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return nil
    }
    s.closed = true
    cancel := s.cancel
    subs := s.subs
    s.subs = make(map[string]Subscription)
    s.mu.Unlock()

    if cancel != nil {
        cancel()
    }
    var errs error
    for table, sub := range subs {
        if err := sub.Close(); err != nil && !errors.Is(err, types.ErrSubscriptionClosed) {
            errs = multierr.Append(errs, &types.StreamError{Table: table, Err: err})
        }
    }
    s.wg.Wait()
    return errs
}

// Tables 当前打开的订阅
func (s *Subscriber) Tables() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]string, 0, len(s.subs))
    for t := range s.subs {
        out = append(out, t)
    }
    return out
}
