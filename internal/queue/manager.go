package queue

import (
    "context"
    "errors"
    "sort"
    "sync"

    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/types"
)

// Manager 按事件类型懒创建队列，所有队列共用一份 QueueConfig
type Manager struct {
    cfg     types.QueueConfig
    log     *zap.Logger
    metrics *metrics.Metrics

    mu     sync.RWMutex
    queues map[types.EventType]*Buffer[types.Event]
    closed bool
}

func NewManager(cfg types.QueueConfig, log *zap.Logger, m *metrics.Metrics) *Manager {
    if cfg.Capacity <= 0 {
        cfg.Capacity = types.DefaultQueueCapacity
    }
    if cfg.Strategy == "" {
        cfg.Strategy = types.Sliding
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &Manager{
        cfg:     cfg,
        log:     log.With(zap.String("service", "EventQueueManager")),
        metrics: m,
        queues:  make(map[types.EventType]*Buffer[types.Event]),
    }
}

func (m *Manager) queue(t types.EventType) (*Buffer[types.Event], error) {
    m.mu.RLock()
    q, ok := m.queues[t]
    closed := m.closed
    m.mu.RUnlock()
    if closed {
        return nil, &types.QueueError{EventType: t, Op: "open", Err: types.ErrQueueClosed}
    }
    if ok {
        return q, nil
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil, &types.QueueError{EventType: t, Op: "open", Err: types.ErrQueueClosed}
    }
    if q, ok = m.queues[t]; ok {
        return q, nil
    }
    q = NewBuffer[types.Event](m.cfg.Capacity, m.cfg.Strategy == types.Sliding)
    m.queues[t] = q
    m.log.Debug("queue created", zap.String("event_type", string(t)),
        zap.Int("capacity", m.cfg.Capacity), zap.String("strategy", string(m.cfg.Strategy)))
    return q, nil
}

// Offer 按事件类型写入；队列满时按背压策略处理，丢弃不算错误
func (m *Manager) Offer(e types.Event) error {
    t := e.EventType()
    q, err := m.queue(t)
    if err != nil {
        return err
    }
    ok, evicted := q.Offer(e)
    if evicted {
        m.metrics.Dropped(string(t))
    }
    if !ok && m.cfg.Strategy == types.DropOldest {
        // 只重试一次，多生产者并发时仍可能失败
        if q.DropHead() {
            m.metrics.Dropped(string(t))
        }
        ok, _ = q.Offer(e)
    }
    if !ok {
        if m.isClosed() {
            return &types.QueueError{EventType: t, Op: "offer", Err: types.ErrQueueClosed}
        }
        m.metrics.Dropped(string(t))
        m.log.Debug("event dropped", zap.String("event_type", string(t)), zap.String("event_id", e.ID))
        return nil
    }
    m.metrics.Enqueued(string(t), q.Size())
    return nil
}

// Take 阻塞直到该类型有事件；管理器关闭后返回包裹 ErrQueueClosed 的 QueueError
func (m *Manager) Take(ctx context.Context, t types.EventType) (types.Event, error) {
    q, err := m.queue(t)
    if err != nil {
        return types.Event{}, err
    }
    e, err := q.Take(ctx)
    if err != nil {
        if errors.Is(err, types.ErrQueueClosed) {
            return types.Event{}, &types.QueueError{EventType: t, Op: "take", Err: err}
        }
        return types.Event{}, err
    }
    m.metrics.Dequeued(string(t), q.Size())
    return e, nil
}

// Poll 非阻塞读取；没有事件时返回 false
func (m *Manager) Poll(t types.EventType) (types.Event, bool) {
    q, err := m.queue(t)
    if err != nil {
        return types.Event{}, false
    }
    e, ok := q.Poll()
    if ok {
        m.metrics.Dequeued(string(t), q.Size())
    }
    return e, ok
}

func (m *Manager) Size(t types.EventType) int {
    m.mu.RLock()
    q, ok := m.queues[t]
    m.mu.RUnlock()
    if !ok {
        return 0
    }
    return q.Size()
}

func (m *Manager) EventTypes() []types.EventType {
    m.mu.RLock()
    out := make([]types.EventType, 0, len(m.queues))
    for t := range m.queues {
        out = append(out, t)
    }
    m.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (m *Manager) isClosed() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.closed
}

// Close 关闭并清空所有队列，阻塞中的 Take 返回 ErrQueueClosed；可重复调用
func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    queues := m.queues
    m.queues = make(map[types.EventType]*Buffer[types.Event])
    m.mu.Unlock()
    for t, q := range queues {
        if n := q.Close(); n > 0 {
            m.log.Info("queue closed with pending events", zap.String("event_type", string(t)), zap.Int("discarded", n))
        }
        if m.metrics != nil {
            m.metrics.QueueSize.WithLabelValues(string(t)).Set(0)
        }
    }
    return nil
}
