package types

import (
    "errors"
    "fmt"
)

var (
    ErrQueueClosed        = errors.New("queue closed")
    ErrNoSubscription     = errors.New("no subscription config for table")
    ErrSubscriptionClosed = errors.New("subscription closed")
    ErrSourceClosed       = errors.New("command source closed")
    ErrAlreadyStarted     = errors.New("already started")
)

// QueueError 队列创建、写入、读取失败
type QueueError struct {
    EventType EventType
    Op        string
    Err       error
}

func (e *QueueError) Error() string {
    return fmt.Sprintf("queue %s %s: %v", e.Op, e.EventType, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// StreamError 订阅打开失败或中断
type StreamError struct {
    Table string
    Err   error
}

func (e *StreamError) Error() string {
    return fmt.Sprintf("stream %s: %v", e.Table, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// HandlerError 处理器失败（包括 panic）
type HandlerError struct {
    EventType EventType
    Attempts  int
    Err       error
}

func (e *HandlerError) Error() string {
    if e.Attempts > 0 {
        return fmt.Sprintf("handler %s failed after %d attempts: %v", e.EventType, e.Attempts, e.Err)
    }
    return fmt.Sprintf("handler %s: %v", e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DispatchError 分发层路由失败
type DispatchError struct {
    EventType EventType
    Err       error
}

func (e *DispatchError) Error() string {
    return fmt.Sprintf("dispatch %s: %v", e.EventType, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ValidationError 解码失败，不重试
type ValidationError struct {
    Table     string
    Operation Operation
    Err       error
}

func (e *ValidationError) Error() string {
    if e.Operation != "" {
        return fmt.Sprintf("validate %s.%s: %v", e.Table, e.Operation, e.Err)
    }
    return fmt.Sprintf("validate %s: %v", e.Table, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Retryable() bool { return false }
