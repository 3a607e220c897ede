package main

import (
    "context"
    "errors"
    "flag"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow"
    "github.com/xzhHas/botflow/internal/command"
    "github.com/xzhHas/botflow/internal/config"
    "github.com/xzhHas/botflow/internal/logging"
    "github.com/xzhHas/botflow/schema"
)

type message struct {
    ID        string `json:"id" validate:"required"`
    ChannelID string `json:"channel_id" validate:"required"`
    AuthorID  string `json:"author_id"`
    Content   string `json:"content"`
}

type echoArgs struct {
    Text string `json:"text" validate:"required"`
}

func main() {
    path := flag.String("config", os.Getenv("BOTFLOW_CONFIG"), "path to yaml config")
    flag.Parse()

    cfg, err := config.Load(*path)
    if err != nil {
        panic(err)
    }
    log, err := logging.New(cfg.Log)
    if err != nil {
        panic(err)
    }
    defer log.Sync()

    reg := prometheus.NewRegistry()
    b := botflow.New(cfg)
    b.SetLogger(log)
    b.SetRegisterer(reg)
    b.Subscribe(botflow.ShapeSubscriptionConfig{
        Table:        "messages",
        Schema:       schema.JSON[message](),
        Columns:      []string{"id", "channel_id", "author_id", "content"},
        StartFromNow: true,
    })

    if err := botflow.Handle(b, "messages.insert", func(ctx context.Context, e botflow.Event, m message) error {
        if strings.HasPrefix(m.Content, "!echo ") {
            log.Info("echo", zap.String("channel_id", m.ChannelID), zap.String("text", strings.TrimPrefix(m.Content, "!echo ")))
        }
        return nil
    }); err != nil {
        log.Fatal("register handler", zap.Error(err))
    }

    b.OnCommand(botflow.CommandDefinition{Name: "echo", UsageExample: "/echo hello", Shape: schema.Args[echoArgs]()},
        func(ctx context.Context, c botflow.CommandContext) error {
            args, ok := botflow.CommandArgs[echoArgs](c)
            if !ok {
                return errors.New("usage: /echo <text>")
            }
            log.Info("echo command", zap.String("channel_id", c.ChannelID), zap.String("text", args.Text))
            return nil
        })
    b.OnCommand(botflow.CommandDefinition{Name: "ping"}, func(ctx context.Context, c botflow.CommandContext) error {
        log.Info("pong", zap.String("channel_id", c.ChannelID), zap.String("user_id", c.UserID))
        return nil
    })
    if cfg.Commands.Catalog != "" {
        defs, err := command.LoadCatalog(cfg.Commands.Catalog)
        if err != nil {
            log.Fatal("load command catalog", zap.Error(err))
        }
        for _, d := range defs {
            if d.Name == "echo" || d.Name == "ping" {
                continue
            }
            b.OnCommand(d, func(ctx context.Context, c botflow.CommandContext) error {
                log.Info("catalog command", zap.String("command", d.Name), zap.Any("args", c.RawArgs))
                return nil
            })
        }
    }

    if cfg.Metrics.Addr != "" {
        srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
        go func() {
            if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
                log.Error("metrics server", zap.Error(err))
            }
        }()
        defer srv.Close()
    }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    if err := b.Run(ctx); err != nil {
        log.Error("bot exited", zap.Error(err))
        os.Exit(1)
    }
}
