package types

import (
    "context"
    "time"
)

// CommandEvent 旁路通道送达的原始命令
type CommandEvent struct {
    Type        string            `json:"type"`
    CommandName string            `json:"commandName"`
    ChannelID   string            `json:"channelId"`
    UserID      string            `json:"userId"`
    OrgID       string            `json:"orgId"`
    Arguments   map[string]string `json:"arguments"`
    Timestamp   int64             `json:"timestamp"`
}

const CommandEventType = "command"

// Time 时间戳为毫秒；缺失时返回零值
func (c CommandEvent) Time() time.Time {
    if c.Timestamp <= 0 {
        return time.Time{}
    }
    return time.UnixMilli(c.Timestamp)
}

// ArgShape 命令参数的解码器
type ArgShape interface {
    DecodeArgs(args map[string]string) (any, error)
}

// ArgumentSpec 命令目录里的参数描述
type ArgumentSpec struct {
    Name        string `toml:"name"`
    Required    bool   `toml:"required"`
    Description string `toml:"description"`
    Placeholder string `toml:"placeholder"`
}

// CommandDefinition 一个命令；Shape 为空时参数原样透传
type CommandDefinition struct {
    Name         string
    Description  string
    UsageExample string
    Arguments    []ArgumentSpec
    Shape        ArgShape
}

// CommandContext 交给命令处理器的上下文
// Decoded 为 false 时 Args 为原始参数 map[string]string
type CommandContext struct {
    CommandName string
    ChannelID   string
    UserID      string
    OrgID       string
    Args        any
    RawArgs     map[string]string
    Decoded     bool
    Timestamp   time.Time
}

// Arg 读取原始参数
func (c CommandContext) Arg(name string) string { return c.RawArgs[name] }

type CommandHandler func(ctx context.Context, c CommandContext) error
