package queue

import (
    "context"
    "sync"

    "github.com/xzhHas/botflow/types"
)

// Buffer 有界 FIFO 缓冲；sliding 为 true 时满了淘汰最旧的一条
type Buffer[T any] struct {
    mu       sync.Mutex
    items    []T
    capacity int
    sliding  bool
    notify   chan struct{}
    done     chan struct{}
    closed   bool
}

func NewBuffer[T any](capacity int, sliding bool) *Buffer[T] {
    if capacity <= 0 {
        capacity = 1
    }
    return &Buffer[T]{
        items:    make([]T, 0, capacity),
        capacity: capacity,
        sliding:  sliding,
        notify:   make(chan struct{}, 1),
        done:     make(chan struct{}),
    }
}

// Offer 非阻塞写入；返回是否写入成功、是否淘汰了旧元素
func (b *Buffer[T]) Offer(v T) (ok bool, evicted bool) {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return false, false
    }
    if len(b.items) >= b.capacity {
        if !b.sliding {
            b.mu.Unlock()
            return false, false
        }
        b.dropHeadLocked()
        evicted = true
    }
    b.items = append(b.items, v)
    b.mu.Unlock()
    b.signal()
    return true, evicted
}

// DropHead 移除队头，返回是否移除了元素
func (b *Buffer[T]) DropHead() bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    if len(b.items) == 0 {
        return false
    }
    b.dropHeadLocked()
    return true
}

func (b *Buffer[T]) dropHeadLocked() {
    var zero T
    b.items[0] = zero
    b.items = b.items[1:]
}

// Take 阻塞直到有元素、缓冲关闭或 ctx 取消
func (b *Buffer[T]) Take(ctx context.Context) (T, error) {
    for {
        if v, ok, closed := b.pop(); ok {
            return v, nil
        } else if closed {
            var zero T
            return zero, types.ErrQueueClosed
        }
        select {
        case <-b.notify:
        case <-b.done:
        case <-ctx.Done():
            var zero T
            return zero, ctx.Err()
        }
    }
}

// Poll 非阻塞读取
func (b *Buffer[T]) Poll() (T, bool) {
    v, ok, _ := b.pop()
    return v, ok
}

func (b *Buffer[T]) pop() (v T, ok bool, closed bool) {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return v, false, true
    }
    if len(b.items) == 0 {
        b.mu.Unlock()
        return v, false, false
    }
    v = b.items[0]
    b.dropHeadLocked()
    more := len(b.items) > 0
    b.mu.Unlock()
    if more {
        b.signal()
    }
    return v, true, false
}

func (b *Buffer[T]) signal() {
    select {
    case b.notify <- struct{}{}:
    default:
    }
}

func (b *Buffer[T]) Size() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.items)
}

func (b *Buffer[T]) Capacity() int { return b.capacity }

// Close 丢弃剩余元素并唤醒所有阻塞的 Take；返回被丢弃的数量
func (b *Buffer[T]) Close() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed {
        return 0
    }
    b.closed = true
    n := len(b.items)
    b.items = nil
    close(b.done)
    return n
}
