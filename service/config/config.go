/*
 * @module service/config/config
 * @description 服务配置，从环境变量（可选 .env 文件）加载到分组结构体
 * @architecture 分层架构 - 基础设施层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 进程启动 -> 加载 .env -> 解析环境变量 -> 校验 -> 注入各服务
 * @rules 所有配置项均有默认值；敏感项（密钥、密码）只来自环境变量
 * @dependencies github.com/kelseyhightower/envconfig, github.com/joho/godotenv
 * @refs service/init.go
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config 服务配置
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Crypto    CryptoConfig
	Push      PushConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig
	Monitor   MonitorConfig
}

// AppConfig 进程级配置
type AppConfig struct {
	ListenPort  int    `envconfig:"LISTEN_PORT" default:"80"`
	BaseContext string `envconfig:"BASE_CONTEXT"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// 每个租户每分钟的API请求上限，0 表示不限制
	RateLimitPerMinute int `envconfig:"API_RATE_LIMIT_PER_MINUTE" default:"600"`
}

// DBConfig 数据库配置，DATABASE_URL 优先
type DBConfig struct {
	URL      string `envconfig:"DATABASE_URL"`
	Driver   string `envconfig:"DB_DRIVER" default:"postgres"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD"`
	Name     string `envconfig:"DB_NAME" default:"postgres"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	Schema   string `envconfig:"DB_SCHEMA" default:"public"`

	SQLitePath string `envconfig:"DB_SQLITE_PATH" default:"file::memory:?cache=shared"`
}

// DSN 构建数据库连接串
func (d DBConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=Asia/Shanghai",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode, d.Schema)
}

// RedisConfig Redis配置，未启用时锁和限流退化为进程内实现
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// CryptoConfig 连接配置敏感字段加密
type CryptoConfig struct {
	Key             string   `envconfig:"PUSH_ENCRYPTION_KEY" default:"datapush-default-key"`
	Salt            string   `envconfig:"PUSH_ENCRYPTION_SALT" default:"datapush-salt"`
	SensitiveFields []string `envconfig:"PUSH_SENSITIVE_FIELDS" default:"password,api_key,secret,token,private_key"`
}

// PushConfig 推送行为配置
type PushConfig struct {
	DefaultMaxRetries     int           `envconfig:"PUSH_DEFAULT_MAX_RETRIES" default:"3"`
	MaxRetryDelay         time.Duration `envconfig:"PUSH_MAX_RETRY_DELAY" default:"60s"`
	DeliveryTimeout       time.Duration `envconfig:"PUSH_DELIVERY_TIMEOUT" default:"30s"`
	BreakerThreshold      int           `envconfig:"PUSH_BREAKER_THRESHOLD" default:"5"`
	BreakerBaseBackoff    time.Duration `envconfig:"PUSH_BREAKER_BASE_BACKOFF" default:"30s"`
	BreakerMaxBackoff     time.Duration `envconfig:"PUSH_BREAKER_MAX_BACKOFF" default:"300s"`
	LargePayloadBytes     int64         `envconfig:"PUSH_LARGE_PAYLOAD_BYTES" default:"10485760"`
	HighPriorityThreshold int           `envconfig:"PUSH_HIGH_PRIORITY_THRESHOLD" default:"5"`
	FallbackTargetCount   int           `envconfig:"PUSH_FALLBACK_TARGET_COUNT" default:"3"`
	PolicyCacheSize       int           `envconfig:"PUSH_POLICY_CACHE_SIZE" default:"1024"`
	PolicyCacheTTL        time.Duration `envconfig:"PUSH_POLICY_CACHE_TTL" default:"5m"`
	DetectionLockTTL      time.Duration `envconfig:"PUSH_DETECTION_LOCK_TTL" default:"5m"`
	ConfirmationTimeout   time.Duration `envconfig:"PUSH_CONFIRMATION_TIMEOUT" default:"30m"`

	// 确认超时后自动生成人工回滚计划
	PlanRollbackOnTimeout bool `envconfig:"PUSH_PLAN_ROLLBACK_ON_TIMEOUT" default:"true"`
}

// SchedulerConfig 定时任务配置（秒级cron）
type SchedulerConfig struct {
	Enabled               bool   `envconfig:"SCHEDULER_ENABLED" default:"true"`
	HealthCheckCron       string `envconfig:"HEALTH_CHECK_CRON" default:"0 */1 * * * *"`
	ConfirmationSweepCron string `envconfig:"CONFIRMATION_SWEEP_CRON" default:"*/30 * * * * *"`
	DetectionEnabled      bool   `envconfig:"SCHEDULED_DETECTION_ENABLED" default:"false"`
}

// AuthConfig JWT身份解析配置
type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`
	Required  bool   `envconfig:"AUTH_REQUIRED" default:"false"`
}

// MonitorConfig 监控后端查询配置，地址为空时对应接口返回 503
type MonitorConfig struct {
	VictoriaMetricsURL string        `envconfig:"VICTORIA_METRICS_URL"`
	LokiURL            string        `envconfig:"LOKI_URL"`
	LokiSelector       string        `envconfig:"LOKI_SELECTOR" default:"{app=\"datapush-service\"}"`
	QueryTimeout       time.Duration `envconfig:"MONITOR_QUERY_TIMEOUT" default:"30s"`
}

// Load 加载配置，.env 文件不存在时忽略
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.DB.Driver)
	}
	if c.Push.BreakerThreshold <= 0 {
		return fmt.Errorf("熔断阈值必须大于0")
	}
	if c.Auth.Required && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("启用认证时必须配置 JWT_SECRET")
	}
	return nil
}
