package botflow

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/redis/go-redis/v9"
    "go.uber.org/multierr"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/binlog"
    "github.com/xzhHas/botflow/internal/command"
    "github.com/xzhHas/botflow/internal/dispatch"
    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/middleware"
    "github.com/xzhHas/botflow/internal/mq"
    "github.com/xzhHas/botflow/internal/queue"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/internal/shape"
    "github.com/xzhHas/botflow/internal/stream"
    "github.com/xzhHas/botflow/types"
)

type Config = types.Config
type Event = types.Event
type EventType = types.EventType
type Operation = types.Operation
type Handler = types.Handler
type Middleware = types.Middleware
type ShapeSubscriptionConfig = types.ShapeSubscriptionConfig
type CommandDefinition = types.CommandDefinition
type CommandContext = types.CommandContext
type CommandHandler = types.CommandHandler
type CommandEvent = types.CommandEvent

// 变更流与命令通道的接入点；外部传输实现这两个接口即可
type ChangeStream = stream.ChangeStream
type Subscription = stream.Subscription
type ChangeMessage = stream.ChangeMessage
type MessageHeaders = stream.Headers
type CommandSource = command.Source

const (
    Insert = types.Insert
    Update = types.Update
    Delete = types.Delete
)

type registration struct {
    t types.EventType
    h types.Handler
}

type commandRegistration struct {
    def types.CommandDefinition
    h   types.CommandHandler
}

// Bot 组装队列、订阅、分发与命令循环；注册需在 Start 之前完成
type Bot struct {
    cfg        Config
    log        *zap.Logger
    reg        prometheus.Registerer
    rc         redis.UniversalClient
    stream     stream.ChangeStream
    source     command.Source
    ownSource  bool
    subs       []types.ShapeSubscriptionConfig
    middleware []types.Middleware

    mu       sync.RWMutex
    handlers []registration
    cmds     []commandRegistration
    started  bool
    stopped  bool

    metrics    *metrics.Metrics
    queues     *queue.Manager
    events     *dispatch.Dispatcher
    commands   *command.Dispatcher
    subscriber *stream.Subscriber
    cancel     context.CancelFunc
    wg         sync.WaitGroup
}

// New 非法配置在 Start 时返回错误
func New(cfg Config) *Bot {
    b := &Bot{log: zap.NewNop()}
    b.SetConfig(cfg)
    return b
}

func (b *Bot) SetConfig(cfg Config) {
    b.cfg = cfg
    _ = b.cfg.Normalize()
}

func (b *Bot) SetLogger(log *zap.Logger) {
    if log == nil {
        log = zap.NewNop()
    }
    b.log = log
}

// SetRegisterer 指标注册到 reg；不设置时指标不注册
func (b *Bot) SetRegisterer(reg prometheus.Registerer) { b.reg = reg }

func (b *Bot) SetRedisClient(client redis.UniversalClient) { b.rc = client }
func (b *Bot) SetChangeStream(s ChangeStream)               { b.stream = s }
func (b *Bot) SetCommandSource(src CommandSource)            { b.source = src }

// Subscribe 声明表的订阅配置；只有注册了处理器的表才会真正订阅
func (b *Bot) Subscribe(cfgs ...ShapeSubscriptionConfig) { b.subs = append(b.subs, cfgs...) }

// Use 追加中间件，按调用顺序由外向内
func (b *Bot) Use(mws ...Middleware) { b.middleware = append(b.middleware, mws...) }

func (b *Bot) On(t EventType, h Handler) error {
    if !t.Valid() {
        return &types.DispatchError{EventType: t, Err: errors.New("event type must be table.insert|update|delete")}
    }
    if h == nil {
        return &types.DispatchError{EventType: t, Err: errors.New("nil handler")}
    }
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.started {
        return &types.DispatchError{EventType: t, Err: types.ErrAlreadyStarted}
    }
    b.handlers = append(b.handlers, registration{t: t, h: h})
    return nil
}

func (b *Bot) OnInsert(table string, h Handler) error {
    return b.On(types.NewEventType(table, Insert), h)
}

func (b *Bot) OnUpdate(table string, h Handler) error {
    return b.On(types.NewEventType(table, Update), h)
}

func (b *Bot) OnDelete(table string, h Handler) error {
    return b.On(types.NewEventType(table, Delete), h)
}

// OnCommand 同名命令只保留最后一次注册
func (b *Bot) OnCommand(def CommandDefinition, h CommandHandler) {
    b.mu.Lock()
    defer b.mu.Unlock()
    for i, c := range b.cmds {
        if c.def.Name == def.Name {
            b.cmds[i] = commandRegistration{def: def, h: h}
            return
        }
    }
    b.cmds = append(b.cmds, commandRegistration{def: def, h: h})
}

func (b *Bot) RegisteredEventTypes() []EventType {
    b.mu.RLock()
    defer b.mu.RUnlock()
    seen := make(map[EventType]struct{}, len(b.handlers))
    out := make([]EventType, 0, len(b.handlers))
    for _, r := range b.handlers {
        if _, ok := seen[r.t]; !ok {
            seen[r.t] = struct{}{}
            out = append(out, r.t)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (b *Bot) HandlerCount(t EventType) int {
    b.mu.RLock()
    defer b.mu.RUnlock()
    n := 0
    for _, r := range b.handlers {
        if r.t == t {
            n++
        }
    }
    return n
}

func (b *Bot) Commands() []CommandDefinition {
    b.mu.RLock()
    defer b.mu.RUnlock()
    out := make([]CommandDefinition, 0, len(b.cmds))
    for _, c := range b.cmds {
        out = append(out, c.def)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

// Metrics Start 之后可用
func (b *Bot) Metrics() *metrics.Metrics { return b.metrics }

// RequiredTables 至少有一个处理器的表
func (b *Bot) RequiredTables() []string {
    return types.TablesFromEventTypes(b.RegisteredEventTypes())
}

func (b *Bot) build() error {
    if b.metrics == nil {
        b.metrics = metrics.New(b.cfg.Metrics.Namespace, b.reg)
    }
    b.queues = queue.NewManager(b.cfg.Queue, b.log, b.metrics)
    b.events = dispatch.New(b.queues, b.cfg.Dispatcher, b.log, b.metrics)
    b.commands = command.New(b.log, b.metrics)
    for _, r := range b.handlers {
        if err := b.events.On(r.t, r.h); err != nil {
            return err
        }
    }
    for _, c := range b.cmds {
        b.commands.Register(c.def, c.h)
    }
    if err := b.events.Use(b.builtinMiddleware()...); err != nil {
        return err
    }
    return b.events.Use(b.middleware...)
}

// Start 打开订阅并启动消费循环与命令循环；订阅打开失败时返回聚合错误并回滚
func (b *Bot) Start(ctx context.Context) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.started {
        return types.ErrAlreadyStarted
    }
    if err := b.cfg.Normalize(); err != nil {
        return err
    }
    if err := b.build(); err != nil {
        return err
    }
    tables := types.TablesFromEventTypes(b.events.EventTypes())
    if len(tables) > 0 && b.stream == nil {
        s, err := b.newChangeStream()
        if err != nil {
            return err
        }
        b.stream = s
    }
    if b.source == nil && b.cfg.Commands.Source != "" {
        src, err := b.newCommandSource()
        if err != nil {
            return err
        }
        b.source = src
        b.ownSource = true
    }
    runCtx, cancel := context.WithCancel(ctx)
    b.subscriber = stream.NewSubscriber(b.stream, b.subs, b.queues, stream.Options{
        OpenPolicy: retry.Policy{
            MaxRetries: b.cfg.Stream.OpenAttempts - 1,
            BaseDelay:  b.cfg.Stream.ReconnectDelay,
            MaxDelay:   b.cfg.Stream.ReconnectDelay * 8,
            Jitter:     0.2,
        },
        Logger:  b.log,
        Metrics: b.metrics,
    })
    if err := b.subscriber.Start(runCtx, tables); err != nil {
        cancel()
        b.rollback()
        return err
    }
    if err := b.events.Start(runCtx); err != nil {
        cancel()
        _ = b.subscriber.Close()
        b.rollback()
        return err
    }
    if b.source != nil {
        if s, ok := b.source.(interface{ Start(context.Context) error }); ok {
            if err := s.Start(runCtx); err != nil {
                cancel()
                _ = b.subscriber.Close()
                b.events.Stop()
                b.rollback()
                return fmt.Errorf("start command source: %w", err)
            }
        }
        b.wg.Add(1)
        go func() {
            defer b.wg.Done()
            _ = b.commands.Run(runCtx, b.source)
        }()
    }
    b.cancel = cancel
    b.started = true
    b.log.Info("bot started", zap.Strings("tables", tables), zap.Int("commands", len(b.cmds)))
    return nil
}

func (b *Bot) builtinMiddleware() []types.Middleware {
    var out []types.Middleware
    if b.log.Core().Enabled(zap.DebugLevel) {
        out = append(out, middleware.Logging(b.log))
    }
    if l := middleware.NewLimiter(b.cfg.RateLimit); l != nil {
        out = append(out, middleware.RateLimit(l))
    }
    if b.cfg.Dedup.Enable {
        out = append(out, middleware.Dedup(b.redis(), b.cfg.Dedup.Prefix, b.cfg.Dedup.TTL, b.log))
    }
    return out
}

func (b *Bot) redis() redis.UniversalClient {
    if b.rc == nil {
        b.rc = redis.NewClient(&redis.Options{
            Addr:     b.cfg.Redis.Addr,
            Password: b.cfg.Redis.Password,
            DB:       b.cfg.Redis.DB,
        })
    }
    return b.rc
}

func (b *Bot) newChangeStream() (stream.ChangeStream, error) {
    switch b.cfg.Stream.Driver {
    case "shape":
        return shape.New(b.cfg.Stream.Shape, b.log), nil
    case "binlog":
        return binlog.NewSource(b.cfg.Stream.MySQL, b.log), nil
    }
    return nil, errors.New("handlers registered but no change stream configured")
}

func (b *Bot) newCommandSource() (command.Source, error) {
    switch b.cfg.Commands.Source {
    case "redis":
        return mq.NewRedisSource(b.redis(), b.cfg.Commands, b.log, b.metrics), nil
    case "rabbitmq":
        return mq.NewRabbitSource(b.cfg.Commands, b.log, b.metrics), nil
    }
    return nil, fmt.Errorf("unknown command source %q", b.cfg.Commands.Source)
}

// rollback 释放本次 Start 创建的资源，使 Start 可以重试；
// 通过 SetCommandSource 传入的命令源归调用方所有，不在这里关闭
func (b *Bot) rollback() {
    if b.ownSource && b.source != nil {
        _ = b.source.Close()
        b.source = nil
        b.ownSource = false
    }
    _ = b.queues.Close()
}

// Stop 依次：取消订阅、停止消费与命令循环、关闭队列；可重复调用
func (b *Bot) Stop() error {
    b.mu.Lock()
    defer b.mu.Unlock()
    if !b.started || b.stopped {
        return nil
    }
    b.stopped = true
    var errs error
    errs = multierr.Append(errs, b.subscriber.Close())
    b.cancel()
    b.events.Stop()
    if b.source != nil {
        errs = multierr.Append(errs, b.source.Close())
    }
    b.wg.Wait()
    errs = multierr.Append(errs, b.queues.Close())
    if c, ok := b.rc.(interface{ Close() error }); ok && b.rc != nil {
        errs = multierr.Append(errs, c.Close())
    }
    b.log.Info("bot stopped")
    return errs
}

// Run 启动后阻塞直到 ctx 取消，然后停止
func (b *Bot) Run(ctx context.Context) error {
    if err := b.Start(ctx); err != nil {
        return err
    }
    <-ctx.Done()
    return b.Stop()
}
