package config

import (
    "strings"

    "github.com/spf13/viper"

    "github.com/xzhHas/botflow/types"
)

// Load 读取 yaml 配置文件（path 为空时只用默认值和环境变量）
// 环境变量前缀 BOTFLOW，层级用下划线，例如 BOTFLOW_QUEUE_CAPACITY
func Load(path string) (types.Config, error) {
    v := viper.New()
    setDefaults(v)
    v.SetEnvPrefix("BOTFLOW")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()
    if path != "" {
        v.SetConfigFile(path)
        if err := v.ReadInConfig(); err != nil {
            return types.Config{}, err
        }
    }
    var cfg types.Config
    if err := v.Unmarshal(&cfg); err != nil {
        return types.Config{}, err
    }
    if err := cfg.Normalize(); err != nil {
        return types.Config{}, err
    }
    return cfg, nil
}

func setDefaults(v *viper.Viper) {
    v.SetDefault("queue.capacity", types.DefaultQueueCapacity)
    v.SetDefault("queue.strategy", string(types.Sliding))

    v.SetDefault("dispatcher.max_retries", types.DefaultMaxRetries)
    v.SetDefault("dispatcher.retry_base_delay", types.DefaultRetryBaseDelay)
    v.SetDefault("dispatcher.max_retry_delay", types.DefaultMaxRetryDelay)
    v.SetDefault("dispatcher.max_concurrent_handlers", types.DefaultMaxConcurrentHandlers)
    v.SetDefault("dispatcher.take_error_delay", types.DefaultTakeErrorDelay)

    v.SetDefault("stream.driver", "")
    v.SetDefault("stream.shape.url", "")
    v.SetDefault("stream.shape.poll_timeout", "60s")
    v.SetDefault("stream.mysql.addr", "127.0.0.1:3306")
    v.SetDefault("stream.mysql.user", "root")
    v.SetDefault("stream.mysql.password", "")
    v.SetDefault("stream.mysql.flavor", "mysql")
    v.SetDefault("stream.mysql.schema", "")
    v.SetDefault("stream.mysql.server_id", 0)
    v.SetDefault("stream.mysql.position_dir", ".")
    v.SetDefault("stream.open_attempts", types.DefaultOpenAttempts)
    v.SetDefault("stream.reconnect_delay", "1s")

    v.SetDefault("redis.addr", "127.0.0.1:6379")
    v.SetDefault("redis.password", "")
    v.SetDefault("redis.db", 0)

    v.SetDefault("commands.bot_id", "")
    v.SetDefault("commands.source", "")
    v.SetDefault("commands.channel", "")
    v.SetDefault("commands.capacity", types.DefaultCommandCapacity)
    v.SetDefault("commands.strategy", string(types.Sliding))
    v.SetDefault("commands.rabbitmq.url", "")
    v.SetDefault("commands.rabbitmq.exchange", "")
    v.SetDefault("commands.rabbitmq.queue", "")
    v.SetDefault("commands.rabbitmq.routing_key", "")
    v.SetDefault("commands.catalog", "")

    v.SetDefault("log.level", "info")
    v.SetDefault("log.format", "json")
    v.SetDefault("log.file", "")
    v.SetDefault("log.max_size_mb", 100)
    v.SetDefault("log.max_backups", 5)
    v.SetDefault("log.max_age_days", 14)

    v.SetDefault("metrics.namespace", "bot")
    v.SetDefault("metrics.addr", "")

    v.SetDefault("dedup.enable", false)
    v.SetDefault("dedup.ttl", "10m")
    v.SetDefault("dedup.prefix", "botflow:dedup:")

    v.SetDefault("rate_limit.per_second", 0)
    v.SetDefault("rate_limit.burst", 0)
}
