package logging

import (
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "github.com/xzhHas/botflow/types"
)

// New 按配置构造 zap logger；配置了 File 时同时写入按大小轮转的文件
func New(cfg types.LogConfig) (*zap.Logger, error) {
    level := zapcore.InfoLevel
    if cfg.Level != "" {
        l, err := zapcore.ParseLevel(cfg.Level)
        if err != nil {
            return nil, err
        }
        level = l
    }
    enc := zap.NewProductionEncoderConfig()
    enc.TimeKey = "ts"
    enc.EncodeTime = zapcore.ISO8601TimeEncoder
    var encoder zapcore.Encoder
    switch strings.ToLower(cfg.Format) {
    case "console", "text":
        enc.EncodeLevel = zapcore.CapitalLevelEncoder
        encoder = zapcore.NewConsoleEncoder(enc)
    default:
        encoder = zapcore.NewJSONEncoder(enc)
    }
    cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}
    if cfg.File != "" {
        w := &lumberjack.Logger{
            Filename:   cfg.File,
            MaxSize:    orDefault(cfg.MaxSizeMB, 100),
            MaxBackups: orDefault(cfg.MaxBackups, 5),
            MaxAge:     orDefault(cfg.MaxAgeDays, 14),
            Compress:   true,
        }
        cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), level))
    }
    return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func orDefault(v, d int) int {
    if v <= 0 {
        return d
    }
    return v
}
