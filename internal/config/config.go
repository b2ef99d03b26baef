package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	Topic              string   `yaml:"topic"`
	NotificationsTopic string   `yaml:"notifications_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// WebhookConfig holds per-provider secrets and the reconciler's timing knobs.
type WebhookConfig struct {
	Providers          map[string]string `yaml:"providers"`
	SignatureTolerance time.Duration     `yaml:"signature_tolerance"`
	ProcessingTimeout  time.Duration     `yaml:"processing_timeout"`
	MaxAttempts        int               `yaml:"max_attempts"`
	RetentionDays      int               `yaml:"retention_days"`
	RetrySpec          string            `yaml:"retry_spec"`
	PurgeSpec          string            `yaml:"purge_spec"`
}

type SchedulerConfig struct {
	Timezone       string        `yaml:"timezone"`
	AllocationSpec string        `yaml:"allocation_spec"`
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
}

// Location resolves the configured timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	// .env is optional; production relies on the real environment
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes raw yaml, applies env overrides and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if tok := os.Getenv("ADMIN_TOKEN"); tok != "" {
		cfg.Admin.Token = tok
	}
	if cfg.Webhook.Providers == nil {
		cfg.Webhook.Providers = map[string]string{}
	}
	for provider := range cfg.Webhook.Providers {
		if s := os.Getenv("WEBHOOK_SECRET_" + strings.ToUpper(provider)); s != "" {
			cfg.Webhook.Providers[provider] = s
		}
	}
	cfg.applyDefaults()
	if _, err := cfg.Scheduler.Location(); err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "wallet-events"
	}
	if c.Kafka.NotificationsTopic == "" {
		c.Kafka.NotificationsTopic = "notifications"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Webhook.SignatureTolerance == 0 {
		c.Webhook.SignatureTolerance = 5 * time.Minute
	}
	if c.Webhook.ProcessingTimeout == 0 {
		c.Webhook.ProcessingTimeout = 5 * time.Minute
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = 5
	}
	if c.Webhook.RetentionDays == 0 {
		c.Webhook.RetentionDays = 90
	}
	if c.Webhook.RetrySpec == "" {
		c.Webhook.RetrySpec = "*/10 * * * *"
	}
	if c.Webhook.PurgeSpec == "" {
		c.Webhook.PurgeSpec = "30 3 * * *"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.AllocationSpec == "" {
		c.Scheduler.AllocationSpec = "0 6 * * *"
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 500
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 8
	}
	if c.Scheduler.LeaseTTL == 0 {
		c.Scheduler.LeaseTTL = 30 * time.Minute
	}
}
