// 文件: pkg/config/config.go
// 配置加载 (viper)
//
// 【优先级】环境变量 > 配置文件 > 默认值
// 环境变量前缀 PD_, 层级用下划线: engine.workers → PD_ENGINE_WORKERS

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Cron      CronConfig      `mapstructure:"cron"`
	Events    EventsConfig    `mapstructure:"events"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	TriggerSecret   string        `mapstructure:"trigger_secret"`   // 定时触发共享密钥 (X-Trigger-Secret)
	AdminJWTSecret  string        `mapstructure:"admin_jwt_secret"` // 管理员 JWT (HS256) 密钥
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LockConfig struct {
	Backend        string        `mapstructure:"backend"` // gorm | redis
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ManualCooldown time.Duration `mapstructure:"manual_cooldown"`
	RedisTTL       time.Duration `mapstructure:"redis_ttl"`
}

type EngineConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	StorageTimeout  time.Duration `mapstructure:"storage_timeout"`
	Location        string        `mapstructure:"location"`         // 按天周期的时区
	ReturnPrincipal bool          `mapstructure:"return_principal"` // 新开持仓默认到期返还本金
	RunTimeout      time.Duration `mapstructure:"run_timeout"`      // 单次运行上限
}

type CronConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Investment string `mapstructure:"investment"`
	LiveTrade  string `mapstructure:"live_trade"`
}

type EventsConfig struct {
	Backend string      `mapstructure:"backend"` // none | nats | kafka | both
	NATS    NATSConfig  `mapstructure:"nats"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type SnowflakeConfig struct {
	NodeID int64 `mapstructure:"node_id"`
}

// LoadLocation 解析时区
func (c EngineConfig) LoadLocation() (*time.Location, error) {
	if c.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Location)
}

// Validate 启动前校验
func (c Config) Validate() error {
	var errs []error
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	if c.Server.TriggerSecret == "" {
		errs = append(errs, errors.New("server.trigger_secret is required"))
	}
	if c.Server.AdminJWTSecret == "" {
		errs = append(errs, errors.New("server.admin_jwt_secret is required"))
	}
	switch c.Lock.Backend {
	case "gorm":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for lock.backend=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q: want gorm or redis", c.Lock.Backend))
	}
	switch c.Events.Backend {
	case "none", "":
	case "nats":
		if c.Events.NATS.URL == "" {
			errs = append(errs, errors.New("events.nats.url is required"))
		}
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("events.kafka.brokers is required"))
		}
	case "both":
		if c.Events.NATS.URL == "" || len(c.Events.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("events.backend=both needs nats.url and kafka.brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.backend %q: want none, nats, kafka or both", c.Events.Backend))
	}
	if c.Engine.RunTimeout <= 0 {
		errs = append(errs, errors.New("engine.run_timeout must be positive"))
	} else if c.Engine.RunTimeout >= c.Lock.StaleAfter {
		// 超过 stale_after 的运行可能被其他触发接管
		errs = append(errs, fmt.Errorf("engine.run_timeout %s must be shorter than lock.stale_after %s",
			c.Engine.RunTimeout, c.Lock.StaleAfter))
	}
	if _, err := c.Engine.LoadLocation(); err != nil {
		errs = append(errs, fmt.Errorf("engine.location: %w", err))
	}
	if c.Snowflake.NodeID < 0 || c.Snowflake.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("snowflake.node_id %d out of range 0-1023", c.Snowflake.NodeID))
	}
	return errors.Join(errs...)
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.trigger_secret", "")
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.backend", "gorm")
	v.SetDefault("lock.stale_after", "30m")
	v.SetDefault("lock.manual_cooldown", "10m")
	v.SetDefault("lock.redis_ttl", "168h")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.batch_size", 500)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_backoff", "200ms")
	v.SetDefault("engine.storage_timeout", "5s")
	v.SetDefault("engine.location", "UTC")
	v.SetDefault("engine.return_principal", true)
	v.SetDefault("engine.run_timeout", "25m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.investment", "0 5 0 * * *") // 每天 00:05:00
	v.SetDefault("cron.live_trade", "0 1 * * * *") // 每小时第 1 分钟
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.nats.url", "nats://localhost:4222")
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("snowflake.node_id", 1)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
