package queue

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/types"
)

func event(key string) types.Event {
    return types.Event{ID: key, Operation: types.Insert, Table: "messages", Key: key, Timestamp: time.Now()}
}

func newManager(capacity int, s types.BackpressureStrategy) (*Manager, *metrics.Metrics) {
    m := metrics.New("bot", prometheus.NewRegistry())
    return NewManager(types.QueueConfig{Capacity: capacity, Strategy: s}, nil, m), m
}

func TestSlidingKeepsMostRecent(t *testing.T) {
    qm, m := newManager(2, types.Sliding)
    for _, k := range []string{"A", "B", "C"} {
        require.NoError(t, qm.Offer(event(k)))
    }
    assert.Equal(t, 2, qm.Size("messages.insert"))
    ctx := context.Background()
    e, err := qm.Take(ctx, "messages.insert")
    require.NoError(t, err)
    assert.Equal(t, "B", e.Key)
    e, err = qm.Take(ctx, "messages.insert")
    require.NoError(t, err)
    assert.Equal(t, "C", e.Key)

    assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueEnqueued.WithLabelValues("messages.insert")))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped.WithLabelValues("messages.insert")))
    assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDequeued.WithLabelValues("messages.insert")))
    assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("messages.insert")))
}

func TestSlidingRetainsCapacityInOrder(t *testing.T) {
    qm, _ := newManager(5, types.Sliding)
    for i := 0; i < 23; i++ {
        require.NoError(t, qm.Offer(event(fmt.Sprint(i))))
    }
    for i := 18; i < 23; i++ {
        e, ok := qm.Poll("messages.insert")
        require.True(t, ok)
        assert.Equal(t, fmt.Sprint(i), e.Key)
    }
    _, ok := qm.Poll("messages.insert")
    assert.False(t, ok)
}

func TestDropNewest(t *testing.T) {
    qm, m := newManager(2, types.DropNewest)
    for _, k := range []string{"A", "B", "C"} {
        require.NoError(t, qm.Offer(event(k)))
    }
    e, _ := qm.Poll("messages.insert")
    assert.Equal(t, "A", e.Key)
    e, _ = qm.Poll("messages.insert")
    assert.Equal(t, "B", e.Key)
    assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueEnqueued.WithLabelValues("messages.insert")))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped.WithLabelValues("messages.insert")))
}

func TestDropOldest(t *testing.T) {
    qm, m := newManager(2, types.DropOldest)
    for _, k := range []string{"A", "B", "C"} {
        require.NoError(t, qm.Offer(event(k)))
    }
    e, _ := qm.Poll("messages.insert")
    assert.Equal(t, "B", e.Key)
    e, _ = qm.Poll("messages.insert")
    assert.Equal(t, "C", e.Key)
    assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped.WithLabelValues("messages.insert")))
}

func TestFIFOPerType(t *testing.T) {
    qm, _ := newManager(100, types.Sliding)
    for i := 0; i < 10; i++ {
        require.NoError(t, qm.Offer(event(fmt.Sprint(i))))
        e := event(fmt.Sprint(i))
        e.Operation = types.Delete
        require.NoError(t, qm.Offer(e))
    }
    assert.Equal(t, []types.EventType{"messages.delete", "messages.insert"}, qm.EventTypes())
    for _, et := range qm.EventTypes() {
        for i := 0; i < 10; i++ {
            e, err := qm.Take(context.Background(), et)
            require.NoError(t, err)
            assert.Equal(t, fmt.Sprint(i), e.Key)
        }
    }
}

func TestCloseUnblocksTake(t *testing.T) {
    qm, _ := newManager(10, types.Sliding)
    errc := make(chan error, 1)
    go func() {
        _, err := qm.Take(context.Background(), "messages.insert")
        errc <- err
    }()
    time.Sleep(10 * time.Millisecond)
    require.NoError(t, qm.Close())
    require.NoError(t, qm.Close())

    select {
    case err := <-errc:
        var qe *types.QueueError
        require.True(t, errors.As(err, &qe))
        assert.Equal(t, types.EventType("messages.insert"), qe.EventType)
        assert.ErrorIs(t, err, types.ErrQueueClosed)
    case <-time.After(time.Second):
        t.Fatal("take hung after close")
    }
    assert.Empty(t, qm.EventTypes())
    assert.ErrorIs(t, qm.Offer(event("late")), types.ErrQueueClosed)
    _, err := qm.Take(context.Background(), "messages.insert")
    assert.ErrorIs(t, err, types.ErrQueueClosed)
}
