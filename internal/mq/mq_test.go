package mq

import (
    "context"
    "testing"

    "go.uber.org/zap"

    "github.com/xzhHas/botflow/types"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestRabbitSourceDefaults(t *testing.T) {
    r := NewRabbitSource(types.CommandConfig{BotID: "b1"}, nil, nil)
    if r.cfg.Queue != "bot:b1:commands" || r.cfg.RoutingKey != "bot:b1:commands" {
        t.Fatalf("got %+v", r.cfg)
    }
    if err := r.Start(context.Background()); err == nil {
        t.Fatal("expected error for empty url")
    }
    if err := r.Close(); err != nil {
        t.Fatal(err)
    }
}
