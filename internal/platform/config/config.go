// Package config loads process configuration from TILLHOUSE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "TILLHOUSE_"

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusKafka  = "kafka"
)

// Payment gateways. Approving is a local stub that authorizes everything.
const (
	GatewayApproving = "approving"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR"        envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	Redis       RedisConfig
	Postgres    PostgresConfig
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"tillhouse.db"`

	BusDriver string `env:"BUS_DRIVER" envDefault:"memory"`
	Kafka     KafkaConfig

	PaymentGateway string `env:"PAYMENT_GATEWAY" envDefault:"approving"`

	Actor     ActorConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig

	JWTSigningKey string `env:"JWT_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	JWTIssuer     string `env:"JWT_ISSUER"      envDefault:"tillhouse"`
	PINPepper     string `env:"PIN_PEPPER"      envDefault:"dev-pin-pepper"`

	// AdminToken guards operator routes (user and gift card management).
	// Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`

	DedupCapacity int `env:"DEDUP_CAPACITY" envDefault:"10000"`
}

type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
}

type PostgresConfig struct {
	DSN             string        `env:"POSTGRES_DSN"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS"    envDefault:"20"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
}

type KafkaConfig struct {
	Brokers           []string `env:"KAFKA_BROKERS"            envSeparator:","`
	Topic             string   `env:"KAFKA_TOPIC"              envDefault:"tillhouse-events"`
	Group             string   `env:"KAFKA_GROUP"              envDefault:"tillhouse"`
	Partitions        int32    `env:"KAFKA_PARTITIONS"         envDefault:"12"`
	ReplicationFactor int16    `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`
}

type ActorConfig struct {
	IdleTimeout time.Duration `env:"ACTOR_IDLE_TIMEOUT" envDefault:"5m"`
	CallTimeout time.Duration `env:"ACTOR_CALL_TIMEOUT" envDefault:"10s"`
}

type RetryConfig struct {
	MaxRetries      int           `env:"RETRY_MAX"              envDefault:"3"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"1s"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL"     envDefault:"1m"`
}

// RateLimitConfig bounds unauthenticated attempts per client IP and org.
type RateLimitConfig struct {
	LoginLimit  int           `env:"RATE_LIMIT_LOGIN"  envDefault:"10"`
	DeviceLimit int           `env:"RATE_LIMIT_DEVICE" envDefault:"20"`
	Window      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return load(env.Options{Prefix: envPrefix})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("config: %sREDIS_URL is required for the redis store", envPrefix)
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: %sPOSTGRES_DSN is required for the postgres store", envPrefix)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	switch c.BusDriver {
	case BusMemory:
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: %sKAFKA_BROKERS is required for the kafka bus", envPrefix)
		}
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.BusDriver)
	}
	if c.PaymentGateway != GatewayApproving {
		return fmt.Errorf("config: unknown payment gateway %q", c.PaymentGateway)
	}
	if c.Actor.IdleTimeout <= 0 || c.Actor.CallTimeout <= 0 {
		return fmt.Errorf("config: actor timeouts must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: %sRETRY_MAX must not be negative", envPrefix)
	}
	if c.RateLimit.LoginLimit <= 0 || c.RateLimit.DeviceLimit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate limits and window must be positive")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("config: retry intervals must be positive and max >= initial")
	}
	return nil
}
