package queue

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/xzhHas/botflow/types"
)

func TestBufferSliding(t *testing.T) {
    b := NewBuffer[string](2, true)
    for _, v := range []string{"a", "b", "c"} {
        ok, _ := b.Offer(v)
        require.True(t, ok)
    }
    assert.Equal(t, 2, b.Size())
    v, ok := b.Poll()
    assert.True(t, ok)
    assert.Equal(t, "b", v)
    v, ok = b.Poll()
    assert.True(t, ok)
    assert.Equal(t, "c", v)
    _, ok = b.Poll()
    assert.False(t, ok)
}

func TestBufferBounded(t *testing.T) {
    b := NewBuffer[int](1, false)
    ok, _ := b.Offer(1)
    require.True(t, ok)
    ok, evicted := b.Offer(2)
    assert.False(t, ok)
    assert.False(t, evicted)
    assert.True(t, b.DropHead())
    assert.False(t, b.DropHead())
}

func TestBufferTakeWaits(t *testing.T) {
    b := NewBuffer[int](4, false)
    go func() {
        time.Sleep(10 * time.Millisecond)
        b.Offer(7)
    }()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    v, err := b.Take(ctx)
    require.NoError(t, err)
    assert.Equal(t, 7, v)
}

func TestBufferCloseUnblocksTake(t *testing.T) {
    b := NewBuffer[int](4, false)
    errc := make(chan error, 1)
    go func() {
        _, err := b.Take(context.Background())
        errc <- err
    }()
    time.Sleep(10 * time.Millisecond)
    b.Close()
    select {
    case err := <-errc:
        assert.ErrorIs(t, err, types.ErrQueueClosed)
    case <-time.After(time.Second):
        t.Fatal("take did not observe close")
    }
    ok, _ := b.Offer(1)
    assert.False(t, ok)
}

func TestBufferTakeContext(t *testing.T) {
    b := NewBuffer[int](4, false)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
    defer cancel()
    _, err := b.Take(ctx)
    assert.ErrorIs(t, err, context.DeadlineExceeded)
}
