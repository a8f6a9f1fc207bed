package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Prefix: envPrefix, Environment: vars})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, BusMemory, cfg.BusDriver)
	assert.Equal(t, 5*time.Minute, cfg.Actor.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Actor.CallTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 10000, cfg.DedupCapacity)
	assert.Equal(t, 10, cfg.RateLimit.LoginLimit)
	assert.Equal(t, int16(1), cfg.Kafka.ReplicationFactor)
	assert.Empty(t, cfg.AdminToken)
	assert.Equal(t, GatewayApproving, cfg.PaymentGateway)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFrom(map[string]string{
		"TILLHOUSE_STORE_DRIVER":       "postgres",
		"TILLHOUSE_POSTGRES_DSN":       "postgres://localhost/tillhouse",
		"TILLHOUSE_BUS_DRIVER":         "kafka",
		"TILLHOUSE_KAFKA_BROKERS":      "a:9092,b:9092",
		"TILLHOUSE_ACTOR_IDLE_TIMEOUT": "30s",
		"TILLHOUSE_RETRY_MAX":          "7",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Actor.IdleTimeout)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"unknown store", map[string]string{"TILLHOUSE_STORE_DRIVER": "mongo"}},
		{"unknown bus", map[string]string{"TILLHOUSE_BUS_DRIVER": "nats"}},
		{"unknown gateway", map[string]string{"TILLHOUSE_PAYMENT_GATEWAY": "stripe"}},
		{"redis without url", map[string]string{"TILLHOUSE_STORE_DRIVER": "redis"}},
		{"postgres without dsn", map[string]string{"TILLHOUSE_STORE_DRIVER": "postgres"}},
		{"kafka without brokers", map[string]string{"TILLHOUSE_BUS_DRIVER": "kafka"}},
		{"bad duration", map[string]string{"TILLHOUSE_ACTOR_CALL_TIMEOUT": "soon"}},
		{"negative retries", map[string]string{"TILLHOUSE_RETRY_MAX": "-1"}},
		{"zero login limit", map[string]string{"TILLHOUSE_RATE_LIMIT_LOGIN": "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadFrom(tc.vars)
			require.Error(t, err)
		})
	}
}
