package dispatch

import (
    "context"

    "github.com/xzhHas/botflow/types"
)

// chain 按注册顺序包裹 h，第一个中间件在最外层
func chain(mws []types.Middleware, t types.EventType, h types.Handler) types.Handler {
    for i := len(mws) - 1; i >= 0; i-- {
        mw := mws[i]
        next := h
        h = func(ctx context.Context, e types.Event) error {
            return mw(ctx, e, t, func(ctx context.Context) error { return next(ctx, e) })
        }
    }
    return h
}
