package botflow

import (
    "context"
    "fmt"

    "github.com/xzhHas/botflow/types"
)

// Handle 注册带类型的处理器；Value 类型不匹配时返回 ValidationError（不重试）
func Handle[T any](b *Bot, t EventType, h func(ctx context.Context, e Event, v T) error) error {
    return b.On(t, func(ctx context.Context, e Event) error {
        v, ok := e.Value.(T)
        if !ok {
            return &types.ValidationError{Table: e.Table, Operation: e.Operation, Err: fmt.Errorf("value is %T", e.Value)}
        }
        return h(ctx, e, v)
    })
}

// CommandArgs 取出解码后的命令参数；解码失败时第二个返回值为 false
func CommandArgs[T any](c CommandContext) (T, bool) {
    if !c.Decoded {
        var zero T
        return zero, false
    }
    v, ok := c.Args.(T)
    return v, ok
}
