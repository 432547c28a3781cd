package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRole distinguishes the producer connection (enqueue, stats, events)
// from the consumer connection (dequeue, ack). Keeping them apart means a
// slow consume never starves producers of pool connections.
type RedisRole string

const (
	RedisProducer RedisRole = "producer"
	RedisConsumer RedisRole = "consumer"
)

// NewRedisClient parses redisURL and verifies connectivity. The client name
// is tagged with the role so CLIENT LIST shows which side is which.
func NewRedisClient(ctx context.Context, redisURL string, role RedisRole) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}
	opts.ClientName = "alert-service-" + string(role)
	if role == RedisConsumer {
		opts.PoolSize = 4
		opts.ReadTimeout = 10 * time.Second
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", role, err)
	}

	return client, nil
}
