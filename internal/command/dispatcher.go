package command

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/types"
)

// Source 命令旁路通道
type Source interface {
    Next(ctx context.Context) (types.CommandEvent, error)
    Close() error
}

type entry struct {
    def     types.CommandDefinition
    handler types.CommandHandler
}

// Dispatcher 命令名到单个处理器的路由
type Dispatcher struct {
    log     *zap.Logger
    metrics *metrics.Metrics
    pause   time.Duration

    mu       sync.RWMutex
    commands map[string]entry
}

func New(log *zap.Logger, m *metrics.Metrics) *Dispatcher {
    if log == nil {
        log = zap.NewNop()
    }
    return &Dispatcher{
        log:      log.With(zap.String("service", "CommandDispatcher")),
        metrics:  m,
        pause:    time.Second,
        commands: make(map[string]entry),
    }
}

// Register 同名命令后注册的覆盖先注册的
func (d *Dispatcher) Register(def types.CommandDefinition, h types.CommandHandler) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if _, ok := d.commands[def.Name]; ok {
        d.log.Info("command handler replaced", zap.String("command", def.Name))
    }
    d.commands[def.Name] = entry{def: def, handler: h}
}

// Commands 已注册的命令定义，按名称排序
func (d *Dispatcher) Commands() []types.CommandDefinition {
    d.mu.RLock()
    out := make([]types.CommandDefinition, 0, len(d.commands))
    for _, e := range d.commands {
        out = append(out, e.def)
    }
    d.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

func (d *Dispatcher) lookup(name string) (entry, bool) {
    d.mu.RLock()
    defer d.mu.RUnlock()
    e, ok := d.commands[name]
    return e, ok
}

// Run 持续读取命令直到 ctx 取消或通道关闭
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
    d.log.Info("command loop started", zap.Int("commands", len(d.Commands())))
    for {
        ev, err := src.Next(ctx)
        if err != nil {
            if ctx.Err() != nil {
                return nil
            }
            if errors.Is(err, types.ErrSourceClosed) || errors.Is(err, types.ErrQueueClosed) {
                d.log.Info("command source closed")
                return nil
            }
            d.log.Error("read command failed", zap.Error(err))
            if retry.Sleep(ctx, d.pause) != nil {
                return nil
            }
            continue
        }
        d.Dispatch(ctx, ev)
    }
}

// Dispatch 解码参数并调用处理器；参数解码失败时透传原始参数
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.CommandEvent) {
    log := d.log.With(
        zap.String("command", ev.CommandName),
        zap.String("channel_id", ev.ChannelID),
        zap.String("user_id", ev.UserID),
    )
    e, ok := d.lookup(ev.CommandName)
    if !ok || e.handler == nil {
        d.metrics.CommandMiss()
        log.Warn("no handler registered for command")
        return
    }
    cc := types.CommandContext{
        CommandName: ev.CommandName,
        ChannelID:   ev.ChannelID,
        UserID:      ev.UserID,
        OrgID:       ev.OrgID,
        Args:        ev.Arguments,
        RawArgs:     ev.Arguments,
        Timestamp:   ev.Time(),
    }
    if cc.RawArgs == nil {
        cc.RawArgs = map[string]string{}
        cc.Args = cc.RawArgs
    }
    if cc.Timestamp.IsZero() {
        cc.Timestamp = time.Now()
    }
    if e.def.Shape != nil {
        v, err := e.def.Shape.DecodeArgs(cc.RawArgs)
        if err != nil {
            log.Warn("command arguments failed to decode, passing raw arguments", zap.Error(err))
        } else {
            cc.Args = v
            cc.Decoded = true
        }
    }
    d.metrics.CommandRun(ev.CommandName)
    if err := safeCall(ctx, e.handler, cc); err != nil {
        d.metrics.CommandFail(ev.CommandName)
        log.Error("command handler failed", zap.Error(err))
    }
}

func safeCall(ctx context.Context, h types.CommandHandler, cc types.CommandContext) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = fmt.Errorf("panic: %v", r)
        }
    }()
    return h(ctx, cc)
}
