package dispatch

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/types"
)

// Source 按事件类型阻塞读取，通常是 queue.Manager
type Source interface {
    Take(ctx context.Context, t types.EventType) (types.Event, error)
}

// Dispatcher 每个事件类型一个消费循环，事件依次分发给该类型的全部处理器
type Dispatcher struct {
    src     Source
    cfg     types.DispatcherConfig
    log     *zap.Logger
    metrics *metrics.Metrics

    mu         sync.RWMutex
    handlers   map[types.EventType][]types.Handler
    middleware []types.Middleware
    started    bool

    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func New(src Source, cfg types.DispatcherConfig, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
    if log == nil {
        log = zap.NewNop()
    }
    if cfg.RetryBaseDelay <= 0 {
        cfg.RetryBaseDelay = types.DefaultRetryBaseDelay
    }
    if cfg.MaxConcurrentHandlers == 0 {
        cfg.MaxConcurrentHandlers = types.DefaultMaxConcurrentHandlers
    }
    if cfg.TakeErrorDelay <= 0 {
        cfg.TakeErrorDelay = types.DefaultTakeErrorDelay
    }
    return &Dispatcher{
        src:      src,
        cfg:      cfg,
        log:      log.With(zap.String("service", "EventDispatcher")),
        metrics:  m,
        handlers: make(map[types.EventType][]types.Handler),
    }
}

// On 注册处理器；Start 之后不再接受注册
func (d *Dispatcher) On(t types.EventType, h types.Handler) error {
    if !t.Valid() {
        return &types.DispatchError{EventType: t, Err: errors.New("event type must be table.insert|update|delete")}
    }
    if h == nil {
        return &types.DispatchError{EventType: t, Err: errors.New("nil handler")}
    }
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.started {
        return &types.DispatchError{EventType: t, Err: types.ErrAlreadyStarted}
    }
    hs := make([]types.Handler, len(d.handlers[t]), len(d.handlers[t])+1)
    copy(hs, d.handlers[t])
    d.handlers[t] = append(hs, h)
    d.log.Debug("handler registered", zap.String("event_type", string(t)), zap.Int("count", len(hs)+1))
    return nil
}

// Use 追加中间件
func (d *Dispatcher) Use(mws ...types.Middleware) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.started {
        return types.ErrAlreadyStarted
    }
    d.middleware = append(d.middleware, mws...)
    return nil
}

func (d *Dispatcher) EventTypes() []types.EventType {
    d.mu.RLock()
    out := make([]types.EventType, 0, len(d.handlers))
    for t := range d.handlers {
        out = append(out, t)
    }
    d.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (d *Dispatcher) HandlerCount(t types.EventType) int {
    d.mu.RLock()
    defer d.mu.RUnlock()
    return len(d.handlers[t])
}

func (d *Dispatcher) snapshot(t types.EventType) ([]types.Handler, []types.Middleware) {
    d.mu.RLock()
    defer d.mu.RUnlock()
    return d.handlers[t], d.middleware
}

// Start 为每个已注册的事件类型启动消费循环；没有处理器时只打警告
func (d *Dispatcher) Start(ctx context.Context) error {
    d.mu.Lock()
    if d.started {
        d.mu.Unlock()
        return types.ErrAlreadyStarted
    }
    d.started = true
    d.mu.Unlock()

    ets := d.EventTypes()
    if len(ets) == 0 {
        d.log.Warn("no event handlers registered, dispatcher idle")
        return nil
    }
    runCtx, cancel := context.WithCancel(ctx)
    d.mu.Lock()
    d.cancel = cancel
    d.mu.Unlock()
    for _, t := range ets {
        d.wg.Add(1)
        go d.consume(runCtx, t)
    }
    d.log.Info("dispatcher started", zap.Int("event_types", len(ets)))
    return nil
}

// Stop 取消所有消费循环并等待退出
func (d *Dispatcher) Stop() {
    d.mu.Lock()
    cancel := d.cancel
    d.mu.Unlock()
    if cancel != nil {
        cancel()
    }
    d.wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, t types.EventType) {
    defer d.wg.Done()
    log := d.log.With(zap.String("event_type", string(t)))
    for {
        e, err := d.src.Take(ctx, t)
        if err != nil {
            if ctx.Err() != nil || errors.Is(err, types.ErrQueueClosed) {
                log.Debug("consumer stopped", zap.Error(err))
                return
            }
            log.Error("take failed", zap.Error(err))
            if retry.Sleep(ctx, d.cfg.TakeErrorDelay) != nil {
                return
            }
            continue
        }
        d.Dispatch(ctx, e)
    }
}

// Dispatch 把一个事件交给该类型的全部处理器，等待全部完成；处理器失败不会向上返回
func (d *Dispatcher) Dispatch(ctx context.Context, e types.Event) {
    t := e.EventType()
    handlers, mws := d.snapshot(t)
    if len(handlers) == 0 {
        d.log.Debug("no handlers for event", zap.String("event_type", string(t)), zap.String("event_id", e.ID))
        return
    }
    var g errgroup.Group
    if d.cfg.MaxConcurrentHandlers > 0 {
        g.SetLimit(d.cfg.MaxConcurrentHandlers)
    }
    for i, h := range handlers {
        i := i
        wrapped := chain(mws, t, h)
        g.Go(func() error {
            d.invoke(ctx, e, t, i, wrapped)
            return nil
        })
    }
    _ = g.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, e types.Event, t types.EventType, idx int, h types.Handler) {
    p := retry.Policy{
        MaxRetries: d.cfg.MaxRetries,
        BaseDelay:  d.cfg.RetryBaseDelay,
        MaxDelay:   d.cfg.MaxRetryDelay,
        Jitter:     0.2,
    }
    attempts := 0
    err := retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
        attempts = attempt
        d.metrics.Executed(string(t))
        return safeCall(ctx, h, e, t)
    }, func(attempt int, err error) {
        d.metrics.Retried(string(t))
        d.log.Debug("handler failed, retrying",
            zap.String("event_type", string(t)),
            zap.String("event_id", e.ID),
            zap.Int("handler", idx),
            zap.Int("attempt", attempt),
            zap.Error(err))
    })
    if err == nil {
        return
    }
    if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
        d.log.Debug("handler cancelled", zap.String("event_type", string(t)), zap.String("event_id", e.ID))
        return
    }
    d.metrics.Failed(string(t))
    herr := &types.HandlerError{EventType: t, Attempts: attempts, Err: err}
    d.log.Error("handler failed",
        zap.String("event_type", string(t)),
        zap.String("event_id", e.ID),
        zap.String("table", e.Table),
        zap.String("operation", string(e.Operation)),
        zap.Int("handler", idx),
        zap.Error(herr))
}

func safeCall(ctx context.Context, h types.Handler, e types.Event, t types.EventType) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = &types.HandlerError{EventType: t, Err: fmt.Errorf("panic: %v", r)}
        }
    }()
    return h(ctx, e)
}
