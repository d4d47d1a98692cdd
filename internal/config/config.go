package config

import (
	"os"
	"time"

	commoncfg "wisefido-alert/common/config"
)

// Config wisefido-alert（报警生命周期与升级引擎）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig

	RedisEnabled bool
	Redis        commoncfg.RedisConfig

	// Redis Streams：入站命令 + 出站事件
	Streams struct {
		Commands      string // 命令流，如 "alert:commands"
		Events        string // 事件流，如 "alert:events"
		EventsMaxLen  int64  // 事件流近似最大长度
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		Block         time.Duration
		RetryInitial  time.Duration // 命令重放退避
		RetryMax      time.Duration
	}

	Scheduler struct {
		RetryInitial time.Duration
		RetryMax     time.Duration
	}

	Dispatch struct {
		QueueSize        int
		MaxAttempts      int
		RetryDelay       time.Duration
		DegradeAfter     int
		DropWhenDegraded bool
		DedupCapacity    int
	}

	// 角色通知（tier>=2 升级）
	Notify struct {
		MQTTEnabled bool
		MQTT        commoncfg.MQTTConfig
		TopicPrefix string

		WebhookURL        string
		WebhookToken      string
		WebhookTimeout    time.Duration
		WebhookRate       float64 // 每秒请求数，0 表示不限速
		WebhookBurst      int
		BreakerFailures   int
		BreakerOpenPeriod time.Duration
	}

	PolicyFile string   // 升级策略 YAML，空表示使用内置默认策略
	Hospitals  []string // 内存模式下允许的医院；空表示不校验

	Log struct {
		Level  string
		Format string
	}
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = commoncfg.Env("HTTP_ADDR", ":8090")

	// DB 不可用时回退到内存存储
	cfg.DBEnabled = commoncfg.EnvBool("DB_ENABLED", true)
	cfg.Database = commoncfg.DefaultDatabaseConfig()
	cfg.Database.LoadFromEnv("DB")

	cfg.RedisEnabled = commoncfg.EnvBool("REDIS_ENABLED", true)
	cfg.Redis = commoncfg.DefaultRedisConfig()
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Streams.Commands = commoncfg.Env("STREAM_COMMANDS", "alert:commands")
	cfg.Streams.Events = commoncfg.Env("STREAM_EVENTS", "alert:events")
	cfg.Streams.EventsMaxLen = commoncfg.EnvInt64("STREAM_EVENTS_MAXLEN", 100000)
	cfg.Streams.ConsumerGroup = commoncfg.Env("CONSUMER_GROUP", "wisefido-alert")
	cfg.Streams.ConsumerName = commoncfg.Env("CONSUMER_NAME", defaultConsumerName())
	cfg.Streams.BatchSize = commoncfg.EnvInt64("CONSUMER_BATCH_SIZE", 10)
	cfg.Streams.Block = commoncfg.EnvDuration("CONSUMER_BLOCK", 2*time.Second)
	cfg.Streams.RetryInitial = commoncfg.EnvDuration("CONSUMER_RETRY_INITIAL", time.Second)
	cfg.Streams.RetryMax = commoncfg.EnvDuration("CONSUMER_RETRY_MAX", 30*time.Second)

	cfg.Scheduler.RetryInitial = commoncfg.EnvDuration("SCHEDULER_RETRY_INITIAL", time.Second)
	cfg.Scheduler.RetryMax = commoncfg.EnvDuration("SCHEDULER_RETRY_MAX", 30*time.Second)

	cfg.Dispatch.QueueSize = commoncfg.EnvInt("DISPATCH_QUEUE_SIZE", 256)
	cfg.Dispatch.MaxAttempts = commoncfg.EnvInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.Dispatch.RetryDelay = commoncfg.EnvDuration("DISPATCH_RETRY_DELAY", 200*time.Millisecond)
	cfg.Dispatch.DegradeAfter = commoncfg.EnvInt("DISPATCH_DEGRADE_AFTER", 3)
	cfg.Dispatch.DropWhenDegraded = commoncfg.EnvBool("DISPATCH_DROP_DEGRADED", false)
	cfg.Dispatch.DedupCapacity = commoncfg.EnvInt("DISPATCH_DEDUP_CAPACITY", 10000)

	cfg.Notify.MQTTEnabled = commoncfg.EnvBool("MQTT_ENABLED", false)
	cfg.Notify.MQTT = commoncfg.DefaultMQTTConfig("wisefido-alert")
	cfg.Notify.MQTT.LoadFromEnv("MQTT")
	cfg.Notify.TopicPrefix = commoncfg.Env("NOTIFY_TOPIC_PREFIX", "alerts")

	cfg.Notify.WebhookURL = commoncfg.Env("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.WebhookToken = commoncfg.Env("NOTIFY_WEBHOOK_TOKEN", "")
	cfg.Notify.WebhookTimeout = commoncfg.EnvDuration("NOTIFY_WEBHOOK_TIMEOUT", 5*time.Second)
	cfg.Notify.WebhookRate = commoncfg.EnvFloat("NOTIFY_WEBHOOK_RATE", 20)
	cfg.Notify.WebhookBurst = commoncfg.EnvInt("NOTIFY_WEBHOOK_BURST", 10)
	cfg.Notify.BreakerFailures = commoncfg.EnvInt("NOTIFY_BREAKER_FAILURES", 5)
	cfg.Notify.BreakerOpenPeriod = commoncfg.EnvDuration("NOTIFY_BREAKER_OPEN", 30*time.Second)

	cfg.PolicyFile = commoncfg.Env("POLICY_FILE", "")
	cfg.Hospitals = commoncfg.EnvList("HOSPITAL_IDS")

	cfg.Log.Level = commoncfg.Env("LOG_LEVEL", "info")
	cfg.Log.Format = commoncfg.Env("LOG_FORMAT", "json")

	return cfg
}

func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "wisefido-alert-" + host
	}
	return "wisefido-alert-1"
}
