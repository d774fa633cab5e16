package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	DeadLetter  DeadLetterConfig  `mapstructure:"dead_letter"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	Mode           string  `mapstructure:"mode"` // debug, release, test
	ReadTimeout    int     `mapstructure:"read_timeout"`
	WriteTimeout   int     `mapstructure:"write_timeout"`
	// 入站限流，按客户端 IP
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig 数据库配置（凭证记录存储）
type DatabaseConfig struct {
	// postgres 或 sqlite；sqlite 仅用于本地开发
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`

	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// RulesConfig 规则目录配置
type RulesConfig struct {
	// 规则文件路径，为空时使用内置默认规则
	FilePath string        `mapstructure:"file_path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// WorkflowConfig 工作流状态机配置
type WorkflowConfig struct {
	// 终态角色执行前 step 计数至少需要达到的值
	MinStepsBeforeVerify int `mapstructure:"min_steps_before_verify"`
	// 乐观锁冲突时的最大重试次数
	MaxUpdateRetries     int `mapstructure:"max_update_retries"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// LedgerConfig 账本读写配置
type LedgerConfig struct {
	WriterURL      string        `mapstructure:"writer_url"`
	ReaderURL      string        `mapstructure:"reader_url"`
	TopicID        string        `mapstructure:"topic_id"`
	APIKey         string        `mapstructure:"api_key"`
	// 非空时使用带密钥的 BLAKE2b 摘要
	SigningKey     string        `mapstructure:"signing_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	WriteRetry RetryConfig `mapstructure:"write_retry"`
	ReadRetry  RetryConfig `mapstructure:"read_retry"`

	// 读取端令牌桶
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	PageSize          int     `mapstructure:"page_size"`
	MaxPages          int     `mapstructure:"max_pages"`
}

// DeadLetterConfig 死信队列配置
type DeadLetterConfig struct {
	QueueKey    string        `mapstructure:"queue_key"`
	StatsTTL    time.Duration `mapstructure:"stats_ttl"`
	StatsWindow time.Duration `mapstructure:"stats_window"`
	ReplayRetry RetryConfig   `mapstructure:"replay_retry"`
}

// CredentialsConfig 凭证签发配置
type CredentialsConfig struct {
	Issuer              string        `mapstructure:"issuer"`
	Validity            time.Duration `mapstructure:"validity"`
	RenewalRequirements []string      `mapstructure:"renewal_requirements"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	// redis 或 disk
	Backend string          `mapstructure:"backend"`
	Disk    DiskCacheConfig `mapstructure:"disk"`
}

// DiskCacheConfig 硬盘缓存配置
type DiskCacheConfig struct {
	DBPath          string        `mapstructure:"db_path"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// WorkerConfig 异步重放 worker 配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_LEDGER_WRITER_URL
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	return &cfg, nil
}

// applyDefaults 默认值，配置文件缺省时生效
func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "./data/custody.db")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("rules.cache_ttl", time.Hour)

	v.SetDefault("workflow.min_steps_before_verify", 2)
	v.SetDefault("workflow.max_update_retries", 5)

	v.SetDefault("ledger.request_timeout", 10*time.Second)
	v.SetDefault("ledger.write_retry.max_attempts", 3)
	v.SetDefault("ledger.write_retry.base_delay", 500*time.Millisecond)
	v.SetDefault("ledger.write_retry.max_delay", 10*time.Second)
	v.SetDefault("ledger.read_retry.max_attempts", 4)
	v.SetDefault("ledger.read_retry.base_delay", 250*time.Millisecond)
	v.SetDefault("ledger.read_retry.max_delay", 5*time.Second)
	v.SetDefault("ledger.requests_per_second", 10.0)
	v.SetDefault("ledger.burst", 10)
	v.SetDefault("ledger.page_size", 100)
	v.SetDefault("ledger.max_pages", 5)

	v.SetDefault("dead_letter.queue_key", "deadletter:records")
	v.SetDefault("dead_letter.stats_ttl", time.Minute)
	v.SetDefault("dead_letter.stats_window", 24*time.Hour)
	v.SetDefault("dead_letter.replay_retry.max_attempts", 1)
	v.SetDefault("dead_letter.replay_retry.base_delay", 500*time.Millisecond)
	v.SetDefault("dead_letter.replay_retry.max_delay", 5*time.Second)

	v.SetDefault("credentials.issuer", "custodychain")
	v.SetDefault("credentials.validity", 365*24*time.Hour)

	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.disk.db_path", "./data/cache.db")
	v.SetDefault("cache.disk.cleanup_interval", 10*time.Minute)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
