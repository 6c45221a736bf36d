package subjects

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"codeguard/pkg/models"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	first := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	got, err := s.Upsert(ctx, models.Subject{Address: addrA, Name: "Vault", Chain: "base", SubscribedAt: first})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !got.SubscribedAt.Equal(first) {
		t.Fatalf("expected subscribed_at %v, got %v", first, got.SubscribedAt)
	}
	if _, err := s.Upsert(ctx, models.Subject{Address: addrB, Name: "Pool", Chain: "mainnet"}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	pausedAt := first.Add(time.Hour)
	if err := s.SetPaused(ctx, addrA, true, pausedAt); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	if err := s.MarkScanned(ctx, addrA, pausedAt.Add(time.Minute)); err != nil {
		t.Fatalf("mark scanned: %v", err)
	}

	again, err := s.Upsert(ctx, models.Subject{Address: addrA, Name: "Vault v2", Chain: "base", SubscribedAt: first.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if again.Name != "Vault v2" {
		t.Fatalf("expected name update, got %s", again.Name)
	}
	if !again.SubscribedAt.Equal(first) || !again.Paused || !again.PausedAt.Equal(pausedAt) {
		t.Fatalf("expected re-subscribe to keep subscription and pause state, got %+v", again)
	}
	if again.LastScanAt.IsZero() {
		t.Fatal("expected last scan to be kept")
	}

	base, err := s.List(ctx, "base")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(base) != 1 || base[0].Address != addrA {
		t.Fatalf("expected only base subject, got %+v", base)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(all))
	}

	if err := s.SetPaused(ctx, addrA, false, time.Time{}); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	sub, ok, _ := s.Get(ctx, addrA)
	if !ok || sub.Paused || !sub.PausedAt.IsZero() {
		t.Fatalf("expected unpaused subject, got %+v", sub)
	}

	if err := s.MarkScanned(ctx, "0x00000000000000000000000000000000000000cc", time.Now()); err != nil {
		t.Fatalf("mark scanned on unknown subject should be a no-op: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "0x00000000000000000000000000000000000000cc"); ok {
		t.Fatal("expected unknown subject to stay unregistered")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:subjects"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)

	if !mr.Exists("test:subjects:subject:" + addrA) {
		t.Fatal("expected subject hash under configured prefix")
	}
}
