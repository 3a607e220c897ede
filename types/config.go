package types

import (
    "fmt"
    "strings"
    "time"
)

// BackpressureStrategy 队列满时的处理方式
// Sliding：淘汰最旧的一条再写入
// DropOldest：非阻塞写入失败后移除队头并重试一次（尽力而为）
// DropNewest：直接丢弃新事件
type BackpressureStrategy string

const (
    Sliding    BackpressureStrategy = "sliding"
    DropOldest BackpressureStrategy = "drop-oldest"
    DropNewest BackpressureStrategy = "drop-newest"
)

func ParseBackpressureStrategy(s string) (BackpressureStrategy, error) {
    switch BackpressureStrategy(strings.ToLower(strings.TrimSpace(s))) {
    case "", Sliding:
        return Sliding, nil
    case DropOldest, "dropoldest", "drop_oldest":
        return DropOldest, nil
    case DropNewest, "dropnewest", "drop_newest":
        return DropNewest, nil
    }
    return "", fmt.Errorf("unknown backpressure strategy %q", s)
}

const (
    DefaultQueueCapacity         = 1000
    DefaultMaxRetries            = 3
    DefaultRetryBaseDelay        = 100 * time.Millisecond
    DefaultMaxRetryDelay         = 10 * time.Second
    DefaultMaxConcurrentHandlers = 10
    DefaultTakeErrorDelay        = time.Second
    DefaultCommandCapacity       = 100
    DefaultOpenAttempts          = 3
)

// QueueConfig 进程级队列配置，每个事件类型各自一条同尺寸队列
type QueueConfig struct {
    Capacity int                  `mapstructure:"capacity"`
    Strategy BackpressureStrategy `mapstructure:"strategy"`
}

// DispatcherConfig 分发器配置
// - MaxRetries：额外重试次数，总调用次数为 MaxRetries+1
// - MaxConcurrentHandlers：同一事件的处理器并发上限；0 取默认值，负数表示不限
type DispatcherConfig struct {
    MaxRetries            int           `mapstructure:"max_retries"`
    RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
    MaxRetryDelay         time.Duration `mapstructure:"max_retry_delay"`
    MaxConcurrentHandlers int           `mapstructure:"max_concurrent_handlers"`
    TakeErrorDelay        time.Duration `mapstructure:"take_error_delay"`
}

type ShapeConfig struct {
    URL         string            `mapstructure:"url"`
    Headers     map[string]string `mapstructure:"headers"`
    PollTimeout time.Duration     `mapstructure:"poll_timeout"`
}

type MySQLConfig struct {
    Addr        string `mapstructure:"addr"`
    User        string `mapstructure:"user"`
    Password    string `mapstructure:"password"`
    Flavor      string `mapstructure:"flavor"`
    Schema      string `mapstructure:"schema"`
    ServerID    uint32 `mapstructure:"server_id"`
    PositionDir string `mapstructure:"position_dir"`
}

// StreamConfig 变更流传输配置；Driver 为 shape 或 binlog，为空时需要调用 SetChangeStream
type StreamConfig struct {
    Driver         string        `mapstructure:"driver"`
    Shape          ShapeConfig   `mapstructure:"shape"`
    MySQL          MySQLConfig   `mapstructure:"mysql"`
    OpenAttempts   int           `mapstructure:"open_attempts"`
    ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type RedisConfig struct {
    Addr     string `mapstructure:"addr"`
    Password string `mapstructure:"password"`
    DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
    URL        string `mapstructure:"url"`
    Exchange   string `mapstructure:"exchange"`
    Queue      string `mapstructure:"queue"`
    RoutingKey string `mapstructure:"routing_key"`
}

// CommandConfig 命令旁路通道；Source 为 redis、rabbitmq 或空
type CommandConfig struct {
    BotID    string               `mapstructure:"bot_id"`
    Source   string               `mapstructure:"source"`
    Channel  string               `mapstructure:"channel"`
    Capacity int                  `mapstructure:"capacity"`
    Strategy BackpressureStrategy `mapstructure:"strategy"`
    RabbitMQ RabbitMQConfig       `mapstructure:"rabbitmq"`
    Catalog  string               `mapstructure:"catalog"`
}

// ChannelName 默认频道 bot:<id>:commands
func (c CommandConfig) ChannelName() string {
    if c.Channel != "" {
        return c.Channel
    }
    return "bot:" + c.BotID + ":commands"
}

type LogConfig struct {
    Level      string `mapstructure:"level"`
    Format     string `mapstructure:"format"`
    File       string `mapstructure:"file"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
    Namespace string `mapstructure:"namespace"`
    Addr      string `mapstructure:"addr"`
}

// DedupConfig 基于 Redis SETNX 的去重中间件
type DedupConfig struct {
    Enable bool          `mapstructure:"enable"`
    TTL    time.Duration `mapstructure:"ttl"`
    Prefix string        `mapstructure:"prefix"`
}

type RateLimitConfig struct {
    PerSecond float64 `mapstructure:"per_second"`
    Burst     int     `mapstructure:"burst"`
}

// Config 整个管线的配置
type Config struct {
    Queue      QueueConfig      `mapstructure:"queue"`
    Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
    Stream     StreamConfig     `mapstructure:"stream"`
    Redis      RedisConfig      `mapstructure:"redis"`
    Commands   CommandConfig    `mapstructure:"commands"`
    Log        LogConfig        `mapstructure:"log"`
    Metrics    MetricsConfig    `mapstructure:"metrics"`
    Dedup      DedupConfig      `mapstructure:"dedup"`
    RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// Normalize 填充默认值并校验枚举字段
func (c *Config) Normalize() error {
    if c.Queue.Capacity <= 0 {
        c.Queue.Capacity = DefaultQueueCapacity
    }
    s, err := ParseBackpressureStrategy(string(c.Queue.Strategy))
    if err != nil {
        return err
    }
    c.Queue.Strategy = s
    if c.Dispatcher.MaxRetries < 0 {
        c.Dispatcher.MaxRetries = 0
    }
    if c.Dispatcher.RetryBaseDelay <= 0 {
        c.Dispatcher.RetryBaseDelay = DefaultRetryBaseDelay
    }
    if c.Dispatcher.MaxRetryDelay <= 0 {
        c.Dispatcher.MaxRetryDelay = DefaultMaxRetryDelay
    }
    if c.Dispatcher.MaxConcurrentHandlers == 0 {
        c.Dispatcher.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
    }
    if c.Dispatcher.TakeErrorDelay <= 0 {
        c.Dispatcher.TakeErrorDelay = DefaultTakeErrorDelay
    }
    switch c.Stream.Driver {
    case "", "shape", "binlog":
    default:
        return fmt.Errorf("unknown stream driver %q", c.Stream.Driver)
    }
    if c.Stream.OpenAttempts <= 0 {
        c.Stream.OpenAttempts = DefaultOpenAttempts
    }
    if c.Stream.ReconnectDelay <= 0 {
        c.Stream.ReconnectDelay = time.Second
    }
    if c.Commands.Capacity <= 0 {
        c.Commands.Capacity = DefaultCommandCapacity
    }
    cs, err := ParseBackpressureStrategy(string(c.Commands.Strategy))
    if err != nil {
        return err
    }
    if cs == DropOldest {
        return fmt.Errorf("command buffer supports sliding or drop-newest, got %q", cs)
    }
    c.Commands.Strategy = cs
    switch c.Commands.Source {
    case "", "redis", "rabbitmq":
    default:
        return fmt.Errorf("unknown command source %q", c.Commands.Source)
    }
    if c.Metrics.Namespace == "" {
        c.Metrics.Namespace = "bot"
    }
    if c.Dedup.TTL <= 0 {
        c.Dedup.TTL = 10 * time.Minute
    }
    if c.Dedup.Prefix == "" {
        c.Dedup.Prefix = "botflow:dedup:"
    }
    return nil
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() Config {
    c := Config{
        Queue:      QueueConfig{Capacity: DefaultQueueCapacity, Strategy: Sliding},
        Dispatcher: DispatcherConfig{MaxRetries: DefaultMaxRetries},
        Commands:   CommandConfig{Capacity: DefaultCommandCapacity, Strategy: Sliding},
        Log:        LogConfig{Level: "info", Format: "json"},
    }
    _ = c.Normalize()
    return c
}
