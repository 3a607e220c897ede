package stream

import (
    "context"

    "github.com/goccy/go-json"

    "github.com/xzhHas/botflow/types"
)

// 控制消息，不携带数据
const (
    ControlUpToDate    = "up-to-date"
    ControlMustRefetch = "must-refetch"
    ControlSnapshotEnd = "snapshot-end"
)

type Headers struct {
    Operation string `json:"operation,omitempty"`
    Control   string `json:"control,omitempty"`
}

// ChangeMessage 变更流上的一条记录：数据消息带 operation，控制消息带 control
type ChangeMessage struct {
    Key     string          `json:"key,omitempty"`
    Value   json.RawMessage `json:"value,omitempty"`
    Headers Headers         `json:"headers"`
}

func (m ChangeMessage) IsControl() bool { return m.Headers.Control != "" }

// IsChange 只有带 operation 的记录才是数据变更；心跳等无 operation 的记录不算
func (m ChangeMessage) IsChange() bool { return !m.IsControl() && m.Headers.Operation != "" }

// Subscription 一张表的连续订阅；Close 可重复调用
type Subscription interface {
    Next(ctx context.Context) (ChangeMessage, error)
    Close() error
}

// ChangeStream 已完成鉴权的外部变更流
type ChangeStream interface {
    Subscribe(ctx context.Context, cfg types.ShapeSubscriptionConfig) (Subscription, error)
}

// Sink 接收解码后的事件，通常是 queue.Manager
type Sink interface {
    Offer(e types.Event) error
}
