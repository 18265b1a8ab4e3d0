// Package config loads typed, environment-driven configuration via viper,
// shared by all three services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment-tunable option shared across services.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	ServicePort string `mapstructure:"service_port"`

	DBDSN     string `mapstructure:"db_dsn"`
	RedisAddr string `mapstructure:"redis_addr"`

	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Payment  PaymentConfig  `mapstructure:"payment"`
}

// KafkaConfig configures the broker adapter; prefetch bounds the number of
// in-flight handler invocations per subscription.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Prefetch int      `mapstructure:"prefetch"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type ConsumerConfig struct {
	MaxRequeue     int           `mapstructure:"max_requeue"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

type InventoryConfig struct {
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type PaymentConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	GatewayTimeout  time.Duration `mapstructure:"gateway_timeout"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"`
}

// Load builds a Config for the named service, seeding defaults for every
// recognized option and overriding from environment variables of the form
// SERVICE_PORT, DB_DSN, KAFKA_BROKERS, OUTBOX_POLL_INTERVAL, and so on.
func Load(serviceName string, defaultPort string, defaultDSN string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("service_name", serviceName)
	v.SetDefault("service_port", defaultPort)
	v.SetDefault("db_dsn", defaultDSN)
	v.SetDefault("redis_addr", "localhost:6379")

	v.SetDefault("kafka.brokers", []string{"localhost:9093"})
	v.SetDefault("kafka.prefetch", 10)

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.backoff_base", 2*time.Second)
	v.SetDefault("outbox.backoff_cap", 60*time.Second)
	v.SetDefault("outbox.max_attempts", 5)

	v.SetDefault("consumer.max_requeue", 3)
	v.SetDefault("consumer.handler_timeout", 60*time.Second)

	v.SetDefault("inventory.reservation_ttl", 15*time.Minute)
	v.SetDefault("inventory.sweep_interval", 60*time.Second)

	v.SetDefault("payment.max_attempts", 3)
	v.SetDefault("payment.gateway_timeout", 30*time.Second)
	v.SetDefault("payment.retry_backoff_base", 2*time.Second)
	v.SetDefault("payment.retry_backoff_cap", 30*time.Second)

	// environment overrides for the flat keys; nested keys use the
	// replaced-dot form (e.g. KAFKA_BROKERS, OUTBOX_POLL_INTERVAL).
	for _, key := range []string{
		"service_port", "db_dsn", "redis_addr",
		"kafka.brokers", "kafka.prefetch",
		"outbox.poll_interval", "outbox.batch_size", "outbox.backoff_base", "outbox.backoff_cap", "outbox.max_attempts",
		"consumer.max_requeue", "consumer.handler_timeout",
		"inventory.reservation_ttl", "inventory.sweep_interval",
		"payment.max_attempts", "payment.gateway_timeout", "payment.retry_backoff_base", "payment.retry_backoff_cap",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if brokers := v.GetString("kafka.brokers"); brokers != "" && strings.Contains(brokers, ",") {
		v.Set("kafka.brokers", strings.Split(brokers, ","))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
