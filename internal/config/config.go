// Package config loads rxdesk configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	JWTIssuer   string   `mapstructure:"JWT_ISSUER"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroup      string   `mapstructure:"KAFKA_GROUP"`
	OTLPEndpoint    string   `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64  `mapstructure:"TRACE_SAMPLE_RATE"`

	LowStockLimit        int  `mapstructure:"LOW_STOCK_LIMIT"`
	NearExpiryDays       int  `mapstructure:"NEAR_EXPIRY_DAYS"`
	FulfillConsumesStock bool `mapstructure:"FULFILL_CONSUMES_STOCK"`

	NotifyWebhookURL   string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWorkers      int           `mapstructure:"NOTIFY_WORKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "SERVICE_NAME", "LOG_LEVEL", "LOG_FORMAT",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "JWT_ISSUER", "CORS_ORIGINS",
	"KAFKA_BROKERS", "KAFKA_GROUP", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"LOW_STOCK_LIMIT", "NEAR_EXPIRY_DAYS", "FULFILL_CONSUMES_STOCK",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WORKERS", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE",
	"SHUTDOWN_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_NAME", "rxdesk")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "rxdesk")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP", "rxdesk-notifier")
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("LOW_STOCK_LIMIT", 5)
	v.SetDefault("NEAR_EXPIRY_DAYS", 30)
	v.SetDefault("FULFILL_CONSUMES_STOCK", true)
	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	return load(viper.New(), ".env")
}

func load(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	setDefaults(v)
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	if envFile != "" {
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

// splitList normalizes comma-separated values that arrive as one element.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.JWTSecret == "" && !c.IsDev() {
		return fmt.Errorf("JWT_SECRET is required outside development (ENV=%q)", c.Env)
	}
	if c.LowStockLimit <= 0 {
		return fmt.Errorf("LOW_STOCK_LIMIT must be positive, got %d", c.LowStockLimit)
	}
	if c.NearExpiryDays <= 0 {
		return fmt.Errorf("NEAR_EXPIRY_DAYS must be positive, got %d", c.NearExpiryDays)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
