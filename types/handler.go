package types

import "context"

// Handler 数据事件处理器；返回错误会按重试策略重试
type Handler func(ctx context.Context, e Event) error

// Middleware 包裹每一次处理器调用，按注册顺序由外向内
type Middleware func(ctx context.Context, e Event, t EventType, next func(context.Context) error) error

// Schema 将变更记录的 value 解码为业务值；解码失败的记录会被丢弃
type Schema interface {
    Decode(raw []byte) (any, error)
}

// SchemaFunc 适配普通函数
type SchemaFunc func(raw []byte) (any, error)

func (f SchemaFunc) Decode(raw []byte) (any, error) { return f(raw) }

// ShapeSubscriptionConfig 某张表的订阅配置
// - Table：表名
// - Schema：value 的解码器
// - Where：服务端行过滤（可选）
// - Columns：列投影（可选）
// - StartFromNow：跳过历史数据，只接收订阅之后的变更
type ShapeSubscriptionConfig struct {
    Table        string
    Schema       Schema
    Where        string
    Columns      []string
    StartFromNow bool
}
