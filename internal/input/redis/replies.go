package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"codeguard/pkg/models"
)

// ReplyWriter appends reply messages to a Redis list.
type ReplyWriter struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewReplyWriter writes replies to key using client. The writer does not own the client.
func NewReplyWriter(client *redis.Client, key string) *ReplyWriter {
	return &ReplyWriter{client: client, key: key, timeout: 5 * time.Second}
}

// WriteReplies pushes replies in order with one round trip.
func (w *ReplyWriter) WriteReplies(replies []models.AgentMessage) error {
	if len(replies) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(replies))
	for _, r := range replies {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal reply: %w", err)
		}
		values = append(values, b)
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.client.RPush(ctx, w.key, values...).Err(); err != nil {
		return fmt.Errorf("push replies to %s: %w", w.key, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (w *ReplyWriter) Close() error {
	return nil
}
