// Package redis reads agent messages from, and writes replies to, Redis lists.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis inbox.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops raw messages from a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer for the list at cfg.Key.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c, err := NewConsumerWithClient(client, cfg.Key, cfg.BlockTimeout)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// NewConsumerWithClient wraps an existing client. Closing the consumer closes the client.
func NewConsumerWithClient(client *redis.Client, key string, blockTimeout time.Duration) (*Consumer, error) {
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if blockTimeout == 0 {
		blockTimeout = 5 * time.Second
	}
	return &Consumer{
		client:       client,
		key:          key,
		blockTimeout: blockTimeout,
	}, nil
}

// Pop pops one message from the list. It returns nil, nil when the block timeout expires.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Push appends a raw message to the list.
func (c *Consumer) Push(ctx context.Context, payload []byte) error {
	if err := c.client.RPush(ctx, c.key, payload).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", c.key, err)
	}
	return nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
