package services

import (
	"testing"

	"github.com/ksys/vtag-engine/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisMirrorUnreachable(t *testing.T) {
	// Nothing listens on port 1
	_, err := NewRedisMirror(&config.RedisConfig{Addr: "127.0.0.1:1", PoolSize: 1})
	assert.ErrorContains(t, err, "redis ping failed")
}

func TestRedisMirrorKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	assert.Equal(t, "vtag:latest", NewRedisMirrorFromClient(client, "").Key())
	assert.Equal(t, "plant1:latest", NewRedisMirrorFromClient(client, "plant1:").Key())
}
