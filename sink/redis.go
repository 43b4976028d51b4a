package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the configuration for the redis-backed sink.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// KeyPrefix namespaces call records.
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long a record is kept; zero keeps it forever.
	TTL time.Duration `json:"ttl"`
}

// DefaultRedisConfig returns a configuration with default values
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "call:record:",
		TTL:       24 * time.Hour,
	}
}

// RedisSink stores each call record as a JSON value with a TTL.
type RedisSink struct {
	client *redis.Client
	config RedisConfig
}

func NewRedisSink(config RedisConfig) *RedisSink {
	if config.Addr == "" {
		config.Addr = DefaultRedisConfig().Addr
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisSink{client: client, config: config}
}

func (s *RedisSink) WriteCallRecord(ctx context.Context, record CallRecord) error {
	val, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("sink: marshal call record: %w", err)
	}
	key := s.config.KeyPrefix + record.CallID
	if err := s.client.Set(ctx, key, val, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("sink: write call record %q: %w", record.CallID, err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
