package stream

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/multierr"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/schema"
    "github.com/xzhHas/botflow/types"
)

type fakeSub struct {
    ch        chan ChangeMessage
    errc      chan error
    closed    chan struct{}
    closeOnce sync.Once
}

func newFakeSub() *fakeSub {
    return &fakeSub{ch: make(chan ChangeMessage, 16), errc: make(chan error, 1), closed: make(chan struct{})}
}

func (f *fakeSub) Next(ctx context.Context) (ChangeMessage, error) {
    select {
    case m := <-f.ch:
        return m, nil
    case err := <-f.errc:
        return ChangeMessage{}, err
    case <-f.closed:
        return ChangeMessage{}, types.ErrSubscriptionClosed
    case <-ctx.Done():
        return ChangeMessage{}, ctx.Err()
    }
}

func (f *fakeSub) Close() error {
    f.closeOnce.Do(func() { close(f.closed) })
    return nil
}

type fakeStream struct {
    mu     sync.Mutex
    subs   map[string][]*fakeSub
    fail   map[string]error
    opened []string
}

func newFakeStream() *fakeStream {
    return &fakeStream{subs: make(map[string][]*fakeSub), fail: make(map[string]error)}
}

func (f *fakeStream) Subscribe(ctx context.Context, cfg types.ShapeSubscriptionConfig) (Subscription, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.opened = append(f.opened, cfg.Table)
    if err := f.fail[cfg.Table]; err != nil {
        return nil, err
    }
    s := newFakeSub()
    f.subs[cfg.Table] = append(f.subs[cfg.Table], s)
    return s, nil
}

func (f *fakeStream) sub(table string, i int) *fakeSub {
    f.mu.Lock()
    defer f.mu.Unlock()
    if len(f.subs[table]) <= i {
        return nil
    }
    return f.subs[table][i]
}

type sliceSink struct {
    mu     sync.Mutex
    events []types.Event
}

func (s *sliceSink) Offer(e types.Event) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.events = append(s.events, e)
    return nil
}

func (s *sliceSink) len() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.events)
}

type msg struct {
    ID   string `json:"id" validate:"required"`
    Body string `json:"body"`
}

func fastOpts(m *metrics.Metrics) Options {
    p := retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
    return Options{OpenPolicy: p, ReconnectPolicy: p, Metrics: m}
}

func TestMalformedRecordDropped(t *testing.T) {
    fs := newFakeStream()
    sink := &sliceSink{}
    m := metrics.New("bot", prometheus.NewRegistry())
    s := NewSubscriber(fs, []types.ShapeSubscriptionConfig{{Table: "messages", Schema: schema.JSON[msg]()}}, sink, fastOpts(m))
    require.NoError(t, s.Start(context.Background(), []string{"messages"}))
    defer s.Close()

    sub := fs.sub("messages", 0)
    require.NotNil(t, sub)
    sub.ch <- ChangeMessage{Headers: Headers{Control: ControlUpToDate}}
    sub.ch <- ChangeMessage{}
    sub.ch <- ChangeMessage{Key: "1", Value: []byte(`{"body":"no id"}`), Headers: Headers{Operation: "insert"}}
    sub.ch <- ChangeMessage{Key: "2", Value: []byte(`{"id":"2"}`), Headers: Headers{Operation: "truncate"}}
    sub.ch <- ChangeMessage{Key: "3", Value: []byte(`{"id":"3","body":"ok"}`), Headers: Headers{Operation: "insert"}}

    require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
    e := sink.events[0]
    assert.Equal(t, types.EventType("messages.insert"), e.EventType())
    assert.Equal(t, msg{ID: "3", Body: "ok"}, e.Value)
    assert.Equal(t, "3", e.Key)
    assert.NotEmpty(t, e.ID)
    assert.Equal(t, 2.0, testutil.ToFloat64(m.ValidationErrors.WithLabelValues("messages")))
    assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamReceived.WithLabelValues("messages")))
}

func TestNoTablesOpensNothing(t *testing.T) {
    fs := newFakeStream()
    s := NewSubscriber(fs, nil, &sliceSink{}, fastOpts(nil))
    require.NoError(t, s.Start(context.Background(), nil))
    assert.Empty(t, fs.opened)
    require.NoError(t, s.Close())
}

func TestStartAggregatesFailures(t *testing.T) {
    fs := newFakeStream()
    fs.fail["channels"] = errors.New("403 forbidden")
    cfgs := []types.ShapeSubscriptionConfig{{Table: "messages"}, {Table: "channels"}}
    s := NewSubscriber(fs, cfgs, &sliceSink{}, fastOpts(nil))
    err := s.Start(context.Background(), []string{"channels", "messages", "users"})
    require.Error(t, err)

    errs := multierr.Errors(err)
    require.Len(t, errs, 2)
    tables := map[string]error{}
    for _, e := range errs {
        var se *types.StreamError
        require.True(t, errors.As(e, &se))
        tables[se.Table] = se.Err
    }
    assert.ErrorIs(t, tables["users"], types.ErrNoSubscription)
    assert.Error(t, tables["channels"])

    // 三次尝试后放弃，已打开的 messages 订阅被关闭
    fs.mu.Lock()
    n := 0
    for _, tb := range fs.opened {
        if tb == "channels" {
            n++
        }
    }
    fs.mu.Unlock()
    assert.Equal(t, 3, n)
    sub := fs.sub("messages", 0)
    require.NotNil(t, sub)
    select {
    case <-sub.closed:
    default:
        t.Fatal("messages subscription left open")
    }
}

func TestReconnectAfterTransportError(t *testing.T) {
    fs := newFakeStream()
    sink := &sliceSink{}
    m := metrics.New("bot", prometheus.NewRegistry())
    s := NewSubscriber(fs, []types.ShapeSubscriptionConfig{{Table: "messages", Schema: schema.Map()}}, sink, fastOpts(m))
    require.NoError(t, s.Start(context.Background(), []string{"messages"}))
    defer s.Close()

    fs.sub("messages", 0).errc <- errors.New("connection reset")
    require.Eventually(t, func() bool { return fs.sub("messages", 1) != nil }, time.Second, 5*time.Millisecond)
    fs.sub("messages", 1).ch <- ChangeMessage{Key: "1", Value: []byte(`{"id":"1"}`), Headers: Headers{Operation: "update"}}
    require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
    assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamReconnects.WithLabelValues("messages")))
}

func TestCloseIdempotent(t *testing.T) {
    fs := newFakeStream()
    s := NewSubscriber(fs, []types.ShapeSubscriptionConfig{{Table: "messages"}}, &sliceSink{}, fastOpts(nil))
    require.NoError(t, s.Start(context.Background(), []string{"messages"}))
    assert.Equal(t, []string{"messages"}, s.Tables())
    // 传输层先关闭也不能死锁
    require.NoError(t, fs.sub("messages", 0).Close())
    require.NoError(t, s.Close())
    require.NoError(t, s.Close())
    assert.Empty(t, s.Tables())
    assert.ErrorIs(t, s.Start(context.Background(), []string{"messages"}), types.ErrAlreadyStarted)
}
