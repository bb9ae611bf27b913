package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/redis/go-redis/v9"
)

// latestHashKey is the hash holding one field per tag
const latestHashKey = "latest"

// RedisMirror copies latest-value snapshots into a Redis hash so external
// dashboards can read current values without touching the database
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection
func NewRedisMirror(cfg *config.RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisMirrorFromClient(client, cfg.Prefix), nil
}

// NewRedisMirrorFromClient wraps an existing client
func NewRedisMirrorFromClient(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "vtag:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Key returns the hash key the snapshot is written to
func (m *RedisMirror) Key() string {
	return m.prefix + latestHashKey
}

// Store replaces the hash with entries inside one MULTI/EXEC, so readers
// never observe a half-written snapshot
func (m *RedisMirror) Store(ctx context.Context, entries []models.CalculationResult) error {
	fields, err := encodeLatest(entries)
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.Key())
		if len(fields) > 0 {
			pipe.HSet(ctx, m.Key(), fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store latest: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func encodeLatest(entries []models.CalculationResult) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode latest %s: %w", e.VirtualTagID, err)
		}
		fields[e.VirtualTagID] = string(raw)
	}
	return fields, nil
}
