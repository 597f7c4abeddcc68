package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port                   int   `mapstructure:"port"`
	ShutdownTimeoutSeconds int   `mapstructure:"shutdown_timeout_seconds"`
	WorkerID               int64 `mapstructure:"worker_id"` // 雪花节点号，每个实例唯一
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig Host 为空时不启用缓存与分布式锁
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerTransaction string `mapstructure:"ledger_transaction"`
	LedgerDiscrepancy string `mapstructure:"ledger_discrepancy"`
}

// OutboxTopics 未配置 broker 时返回空 topic，账本写入不再生成消息，避免消息表只增不减
func (c *KafkaConfig) OutboxTopics() KafkaTopicConfig {
	if len(c.Brokers) == 0 {
		return KafkaTopicConfig{}
	}
	return c.Topic
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	AdminToken  string `mapstructure:"admin_token"`
}

// LedgerConfig 记账核心参数
type LedgerConfig struct {
	StaleRetryAttempts     int `mapstructure:"stale_retry_attempts"`
	StaleRetryBaseMs       int `mapstructure:"stale_retry_base_ms"`
	BalanceCacheTTLSeconds int `mapstructure:"balance_cache_ttl_seconds"`
}

type PricingConfig struct {
	CharsPerToken int               `mapstructure:"chars_per_token"`
	Models        map[string]string `mapstructure:"models"`
}

type PaymentConfig struct {
	APIBase                 string `mapstructure:"api_base"`
	SecretKey               string `mapstructure:"secret_key"`
	WebhookSecret           string `mapstructure:"webhook_secret"`
	WebhookToleranceSeconds int    `mapstructure:"webhook_tolerance_seconds"`
	CreditsPerUnit          string `mapstructure:"credits_per_unit"`
	MinPurchase             string `mapstructure:"min_purchase"`
	MaxPurchase             string `mapstructure:"max_purchase"`
	Currency                string `mapstructure:"currency"`
}

type MatcherConfig struct {
	Address             string `mapstructure:"address"`
	TimeoutMs           int    `mapstructure:"timeout_ms"`
	DefaultMaxPrice     string `mapstructure:"default_max_price"`
	DefaultMaxLatencyMs int    `mapstructure:"default_max_latency_ms"`
}

type ReconcileConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
	Parallelism     int `mapstructure:"parallelism"`
	LockTTLSeconds  int `mapstructure:"lock_ttl_seconds"`
}

type BusinessConfig struct {
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

// LoadConfig 加载配置文件，环境变量 LEDGER_* 可覆盖同名配置项
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 5)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("log.level", "info")
	// 密钥类配置一般只从环境变量注入，需要先登记键名 AutomaticEnv 才会生效
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("payment.api_base", "https://api.stripe.com")
	v.SetDefault("payment.secret_key", "")
	v.SetDefault("payment.webhook_secret", "")
	v.SetDefault("mysql.password", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("matcher.address", "127.0.0.1:50051")
	v.SetDefault("kafka.topic.ledger_transaction", "ledger_transaction")
	v.SetDefault("kafka.topic.ledger_discrepancy", "ledger_discrepancy")
	v.SetDefault("ledger.stale_retry_attempts", 3)
	v.SetDefault("ledger.stale_retry_base_ms", 20)
	v.SetDefault("ledger.balance_cache_ttl_seconds", 3)
	v.SetDefault("pricing.chars_per_token", 4)
	v.SetDefault("payment.webhook_tolerance_seconds", 300)
	v.SetDefault("payment.credits_per_unit", "1000")
	v.SetDefault("payment.min_purchase", "1.00")
	v.SetDefault("payment.max_purchase", "1000.00")
	v.SetDefault("payment.currency", "usd")
	v.SetDefault("matcher.timeout_ms", 5000)
	v.SetDefault("matcher.default_max_price", "0.001")
	v.SetDefault("matcher.default_max_latency_ms", 1000)
	v.SetDefault("reconcile.interval_seconds", 3600)
	v.SetDefault("reconcile.batch_size", 500)
	v.SetDefault("reconcile.parallelism", 4)
	v.SetDefault("reconcile.lock_ttl_seconds", 600)
	v.SetDefault("business.max_retry_count", 5)
}

// Validate 校验金额类配置必须是合法的十进制数
func (c *Config) Validate() error {
	decimals := map[string]string{
		"payment.credits_per_unit":  c.Payment.CreditsPerUnit,
		"payment.min_purchase":      c.Payment.MinPurchase,
		"payment.max_purchase":      c.Payment.MaxPurchase,
		"matcher.default_max_price": c.Matcher.DefaultMaxPrice,
	}
	for model, multiplier := range c.Pricing.Models {
		decimals["pricing.models."+model] = multiplier
	}
	for key, value := range decimals {
		if _, err := decimal.NewFromString(value); err != nil {
			return fmt.Errorf("配置项 %s 不是合法的十进制数: %q", key, value)
		}
	}
	if c.Ledger.StaleRetryAttempts <= 0 {
		return fmt.Errorf("配置项 ledger.stale_retry_attempts 必须大于0")
	}
	if c.Pricing.CharsPerToken <= 0 {
		return fmt.Errorf("配置项 pricing.chars_per_token 必须大于0")
	}
	return nil
}
