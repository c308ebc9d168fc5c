// Package config загружает YAML-конфигурацию alertsync и применяет переопределения
// из переменных окружения ALERTSYNC_*.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix - префикс переменных окружения, переопределяющих файл.
const EnvPrefix = "ALERTSYNC_"

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	GitHub    GitHubConfig    `yaml:"github"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// WebhookSecretID - секрет с общим токеном вендора ({"shared_token": "..."}).
	WebhookSecretID string        `yaml:"webhook_secret_id"`
	DefaultSource   string        `yaml:"default_source"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TransportConfig struct {
	Kind   string             `yaml:"kind"` // memory | aws | kafka
	Memory MemoryQueueConfig  `yaml:"memory"`
	AWS    AWSTransportConfig `yaml:"aws"`
	Kafka  KafkaConfig        `yaml:"kafka"`
}

type MemoryQueueConfig struct {
	Topic       string `yaml:"topic"`
	MaxReceives int    `yaml:"max_receives"`
}

type AWSTransportConfig struct {
	Region            string `yaml:"region"`
	TopicARN          string `yaml:"topic_arn"`
	QueueURL          string `yaml:"queue_url"`
	MaxMessages       int32  `yaml:"max_messages"`
	WaitTimeSeconds   int32  `yaml:"wait_time_seconds"`
	VisibilityTimeout int32  `yaml:"visibility_timeout"`
}

type KafkaConfig struct {
	Brokers       string `yaml:"brokers"`
	Topic         string `yaml:"topic"`
	DLQTopic      string `yaml:"dlq_topic"`
	GroupID       string `yaml:"group_id"`
	MaxDeliveries int    `yaml:"max_deliveries"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // sqlite | postgres | memory
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type SecretsConfig struct {
	Backend      string `yaml:"backend"` // env | aws | age
	Region       string `yaml:"region"`
	EnvPrefix    string `yaml:"env_prefix"`
	Dir          string `yaml:"dir"`
	IdentityFile string `yaml:"identity_file"`
}

type GitHubConfig struct {
	Repo          string `yaml:"repo"`
	IssuesEnabled bool   `yaml:"issues_enabled"`
	UseMock       bool   `yaml:"use_mock"`
	BaseURL       string `yaml:"base_url"`
	// AppCredentialsSecretID - секрет {app_id, private_key, installation_id}.
	AppCredentialsSecretID string        `yaml:"app_credentials_secret_id"`
	Token                  string        `yaml:"token,omitempty"`
	MaxRateLimitWait       time.Duration `yaml:"max_rate_limit_wait"`
	LeaseTTL               time.Duration `yaml:"lease_ttl"`
	// LeaseWait - ожидание чужой аренды внутри обработчика; 0 - равно LeaseTTL.
	LeaseWait       time.Duration `yaml:"lease_wait"`
	ConflictRetries int           `yaml:"conflict_retries"`
}

type ConsumerConfig struct {
	Workers int `yaml:"workers"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	SES      SESConfig      `yaml:"ses"`
}

type TelegramConfig struct {
	BotToken       string  `yaml:"bot_token,omitempty"`
	AlertChannelID int64   `yaml:"alert_channel_id"`
	AllowedUsers   []int64 `yaml:"allowed_users"`
}

type SESConfig struct {
	Region string   `yaml:"region"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

type MetricsConfig struct {
	RedisAddr      string        `yaml:"redis_addr"`
	Instance       string        `yaml:"instance"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default возвращает конфигурацию для локального запуска: очередь в памяти, SQLite,
// мок трекера, секреты из окружения.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			WebhookSecretID: "webhook",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Kind:   "memory",
			Memory: MemoryQueueConfig{Topic: "alerts-ingest", MaxReceives: 5},
			AWS:    AWSTransportConfig{MaxMessages: 10, WaitTimeSeconds: 20},
			Kafka:  KafkaConfig{Topic: "alerts-ingest", DLQTopic: "alerts-dlq", GroupID: "alertsync", MaxDeliveries: 5},
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			DSN:         "alertsync.db",
			Table:       "alert_state",
			AutoMigrate: true,
		},
		Secrets: SecretsConfig{Backend: "env", EnvPrefix: "ALERTSYNC_SECRET_"},
		GitHub: GitHubConfig{
			BaseURL:                "https://api.github.com",
			AppCredentialsSecretID: "github-app",
			MaxRateLimitWait:       30 * time.Second,
			LeaseTTL:               2 * time.Minute,
			ConflictRetries:        3,
		},
		Consumer: ConsumerConfig{Workers: 4},
		Metrics:  MetricsConfig{ReportInterval: 30 * time.Second},
	}
}

// Load читает файл поверх значений по умолчанию, применяет переменные окружения
// и проверяет результат. Пустой path - только значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	// Старое имя переменной бота.
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Notify.Telegram.BotToken == "" {
		cfg.Notify.Telegram.BotToken = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv переопределяет отдельные поля значениями ALERTSYNC_*.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SERVER_ADDR", &c.Server.Addr)
	str("TRANSPORT_KIND", &c.Transport.Kind)
	str("AWS_TOPIC_ARN", &c.Transport.AWS.TopicARN)
	str("AWS_QUEUE_URL", &c.Transport.AWS.QueueURL)
	str("KAFKA_BROKERS", &c.Transport.Kafka.Brokers)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_TABLE", &c.Store.Table)
	str("SECRETS_BACKEND", &c.Secrets.Backend)
	str("GITHUB_REPO", &c.GitHub.Repo)
	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("TELEGRAM_BOT_TOKEN", &c.Notify.Telegram.BotToken)
	str("REDIS_ADDR", &c.Metrics.RedisAddr)

	if err := boolean("GITHUB_ISSUES_ENABLED", &c.GitHub.IssuesEnabled); err != nil {
		return err
	}
	if err := boolean("GITHUB_USE_MOCK", &c.GitHub.UseMock); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "CONSUMER_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONSUMER_WORKERS: %w", EnvPrefix, err)
		}
		c.Consumer.Workers = n
	}
	return nil
}

// Validate проверяет согласованность секций. Все ошибки собираются в одну.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		add("log.format must be 'json' or 'console'")
	}

	switch c.Transport.Kind {
	case "memory":
	case "aws":
		if c.Transport.AWS.TopicARN == "" && c.Transport.AWS.QueueURL == "" {
			add("transport.aws: topic_arn or queue_url is required")
		}
	case "kafka":
		if c.Transport.Kafka.Brokers == "" {
			add("transport.kafka.brokers is required")
		}
		if c.Transport.Kafka.Topic == "" {
			add("transport.kafka.topic is required")
		}
		if c.Transport.Kafka.DLQTopic == c.Transport.Kafka.Topic {
			add("transport.kafka.dlq_topic must differ from topic")
		}
	default:
		add("transport.kind must be one of memory, aws, kafka")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		add("store.driver must be one of sqlite, postgres, memory")
	}
	if c.Store.Table == "" {
		add("store.table is required")
	}

	switch c.Secrets.Backend {
	case "env", "aws":
	case "age":
		if c.Secrets.Dir == "" || c.Secrets.IdentityFile == "" {
			add("secrets.age: dir and identity_file are required")
		}
	default:
		add("secrets.backend must be one of env, aws, age")
	}

	if c.GitHub.Repo == "" {
		add("github.repo is required")
	} else if owner, name, ok := strings.Cut(c.GitHub.Repo, "/"); !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		add("github.repo must be in owner/name form, got %q", c.GitHub.Repo)
	}
	if !c.GitHub.UseMock && c.GitHub.Token == "" && c.GitHub.AppCredentialsSecretID == "" {
		add("github: app_credentials_secret_id or token is required")
	}
	if c.GitHub.LeaseTTL <= 0 {
		add("github.lease_ttl must be positive")
	}
	if c.GitHub.LeaseWait < 0 {
		add("github.lease_wait must not be negative")
	}
	if c.Transport.Kind == "aws" && c.Transport.AWS.VisibilityTimeout > 0 &&
		time.Duration(c.Transport.AWS.VisibilityTimeout)*time.Second <= c.GitHub.LeaseTTL {
		add("transport.aws.visibility_timeout must exceed github.lease_ttl (%s)", c.GitHub.LeaseTTL)
	}

	if c.Consumer.Workers <= 0 {
		add("consumer.workers must be positive")
	}
	if c.Notify.Telegram.BotToken != "" && c.Notify.Telegram.AlertChannelID == 0 {
		add("notify.telegram.alert_channel_id is required when bot_token is set")
	}
	if len(c.Notify.SES.To) > 0 && c.Notify.SES.From == "" {
		add("notify.ses.from is required when recipients are set")
	}

	return errors.Join(errs...)
}
