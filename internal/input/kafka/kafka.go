// Package kafka reads agent messages from, and publishes events to, Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"codeguard/pkg/models"
)

// Config configures one topic endpoint.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads raw agent messages from a topic as a consumer group member.
type Consumer struct {
	reader reader
}

// NewConsumer validates cfg and creates a group reader.
func NewConsumer(cfg Config) (*Consumer, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

// Pop reads the next message value.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	if c == nil || c.reader == nil {
		return nil, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("kafka read: %w", err)
	}
	return msg.Value, nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Publisher writes stream events and inbox replies to a topic as JSON.
type Publisher struct {
	writer writer
	Topic  string
}

// NewPublisher creates a publisher for cfg.Topic.
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, Topic: cfg.Topic}, nil
}

// WriteEvent publishes one event keyed by its type.
func (p *Publisher) WriteEvent(ctx context.Context, evt models.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Type), Value: value}); err != nil {
		return fmt.Errorf("%w: kafka write: %v", models.ErrTransport, err)
	}
	return nil
}

// WriteReplies publishes replies keyed by correlation id.
func (p *Publisher) WriteReplies(replies []models.AgentMessage) error {
	if len(replies) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(replies))
	for _, r := range replies {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal reply: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.CorrelationID), Value: value})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: kafka write: %v", models.ErrTransport, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
