package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"codeguard/pkg/models"
)

func TestConsumerPopsInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewConsumer(Config{Addr: mr.Addr(), Key: "codeguard:inbox", BlockTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	for _, body := range []string{"one", "two"} {
		if err := c.Push(ctx, []byte(body)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	for _, want := range []string{"one", "two"} {
		got, err := c.Pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestConsumerRequiresKey(t *testing.T) {
	if _, err := NewConsumer(Config{Addr: "127.0.0.1:0"}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestReplyWriter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewReplyWriter(client, "codeguard:inbox:replies")
	reply := models.NewMessage(models.KindResult, "orchestrator", "client", &models.ResultPayload{Success: true})
	reply.CorrelationID = "req-1"
	if err := w.WriteReplies([]models.AgentMessage{reply}); err != nil {
		t.Fatalf("write: %v", err)
	}

	items, err := mr.List("codeguard:inbox:replies")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one reply, got %v, %v", items, err)
	}
	var got models.AgentMessage
	if err := json.Unmarshal([]byte(items[0]), &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.CorrelationID != "req-1" || got.Kind != models.KindResult {
		t.Fatalf("unexpected reply: %+v", got)
	}
}
