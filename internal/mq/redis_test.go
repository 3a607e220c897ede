package mq

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/xzhHas/botflow/internal/metrics"
    "github.com/xzhHas/botflow/types"
)

func TestRedisSourceDeliversCommands(t *testing.T) {
    mr := miniredis.RunT(t)
    client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    defer client.Close()

    m := metrics.New("bot", prometheus.NewRegistry())
    src := NewRedisSource(client, types.CommandConfig{BotID: "b1", Capacity: 10, Strategy: types.Sliding}, nil, m)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, src.Start(ctx))
    defer src.Close()

    select {
    case <-src.Ready():
    case <-ctx.Done():
        t.Fatal("subscription not ready")
    }

    mr.Publish("bot:b1:commands", `not json`)
    mr.Publish("bot:b1:commands", `{"type":"presence","commandName":"echo"}`)
    mr.Publish("bot:b1:commands", `{"type":"command","commandName":"echo","channelId":"c1","userId":"u1","orgId":"o1","arguments":{"text":"hi"},"timestamp":1700000000000}`)

    ev, err := src.Next(ctx)
    require.NoError(t, err)
    assert.Equal(t, "echo", ev.CommandName)
    assert.Equal(t, "hi", ev.Arguments["text"])
    assert.Equal(t, "c1", ev.ChannelID)
    assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandEnqueued))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandDequeued))
}

func TestRedisSourceCloseEndsNext(t *testing.T) {
    mr := miniredis.RunT(t)
    client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    defer client.Close()
    src := NewRedisSource(client, types.CommandConfig{BotID: "b1"}, nil, nil)
    require.NoError(t, src.Start(context.Background()))
    <-src.Ready()
    require.NoError(t, src.Close())
    _, err := src.Next(context.Background())
    assert.ErrorIs(t, err, types.ErrSourceClosed)
}

func TestCommandBufferBackpressure(t *testing.T) {
    m := metrics.New("bot", prometheus.NewRegistry())
    b := newCommandBuffer(1, types.DropNewest, zapNop(), m)
    b.accept([]byte(`{"type":"command","commandName":"first"}`))
    b.accept([]byte(`{"type":"command","commandName":"second"}`))
    ev, err := b.Next(context.Background())
    require.NoError(t, err)
    assert.Equal(t, "first", ev.CommandName)
    assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandDropped))

    s := newCommandBuffer(1, types.Sliding, zapNop(), nil)
    s.accept([]byte(`{"type":"command","commandName":"first"}`))
    s.accept([]byte(`{"type":"command","commandName":"second"}`))
    ev, err = s.Next(context.Background())
    require.NoError(t, err)
    assert.Equal(t, "second", ev.CommandName)
}
