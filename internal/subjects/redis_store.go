package subjects

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// RedisConfig configures Redis access for the subject registry.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one hash per subject and one set of addresses per chain.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed subject store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "codeguard:subjects"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis subjects: %v", models.ErrStorage, err)
	}

	logger.Infof("Redis subject store initialized: %s", cfg.Addr)
	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Upsert registers s. subscribed_at and pause fields are only set on first insert.
func (s *RedisStore) Upsert(ctx context.Context, sub models.Subject) (models.Subject, error) {
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now().UTC()
	}
	key := s.subjectKey(sub.Address)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"address", sub.Address,
		"name", sub.Name,
		"chain", sub.Chain,
	)
	pipe.HSetNX(ctx, key, "subscribed_at", strconv.FormatInt(sub.SubscribedAt.UnixMilli(), 10))
	pipe.HSetNX(ctx, key, "paused", "0")
	pipe.SAdd(ctx, s.chainKey(sub.Chain), sub.Address)
	pipe.SAdd(ctx, s.allKey(), sub.Address)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Subject{}, fmt.Errorf("%w: upsert subject %s: %v", models.ErrStorage, sub.Address, err)
	}

	out, _, err := s.Get(ctx, sub.Address)
	return out, err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, address string) (models.Subject, bool, error) {
	hash, err := s.client.HGetAll(ctx, s.subjectKey(address)).Result()
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("%w: read subject %s: %v", models.ErrStorage, address, err)
	}
	if len(hash) == 0 {
		return models.Subject{}, false, nil
	}
	return decodeSubject(hash), true, nil
}

// List implements Store. An empty chain lists every subject.
func (s *RedisStore) List(ctx context.Context, chain string) ([]models.Subject, error) {
	setKey := s.allKey()
	if chain != "" {
		setKey = s.chainKey(chain)
	}
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list subjects: %v", models.ErrStorage, err)
	}
	sort.Strings(members)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	for _, addr := range members {
		cmds = append(cmds, pipe.HGetAll(ctx, s.subjectKey(addr)))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("%w: list subjects: %v", models.ErrStorage, err)
		}
	}

	out := make([]models.Subject, 0, len(cmds))
	for _, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		sub := decodeSubject(hash)
		if chain != "" && sub.Chain != chain {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// MarkScanned implements Store.
func (s *RedisStore) MarkScanned(ctx context.Context, address string, at time.Time) error {
	return s.setIfExists(ctx, address, "last_scan_at", strconv.FormatInt(at.UnixMilli(), 10))
}

// SetPaused implements Store.
func (s *RedisStore) SetPaused(ctx context.Context, address string, paused bool, at time.Time) error {
	flag, ts := "0", "0"
	if paused {
		flag, ts = "1", strconv.FormatInt(at.UnixMilli(), 10)
	}
	return s.setIfExists(ctx, address, "paused", flag, "paused_at", ts)
}

func (s *RedisStore) setIfExists(ctx context.Context, address string, values ...string) error {
	key := s.subjectKey(address)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: update subject %s: %v", models.ErrStorage, address, err)
	}
	if n == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: update subject %s: %v", models.ErrStorage, address, err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) subjectKey(address string) string {
	return s.prefix + ":subject:" + address
}

func (s *RedisStore) chainKey(chain string) string {
	return s.prefix + ":chain:" + chain
}

func (s *RedisStore) allKey() string {
	return s.prefix + ":all"
}

func decodeSubject(hash map[string]string) models.Subject {
	sub := models.Subject{
		Address: hash["address"],
		Name:    hash["name"],
		Chain:   hash["chain"],
		Paused:  hash["paused"] == "1",
	}
	sub.SubscribedAt = millis(hash["subscribed_at"])
	sub.LastScanAt = millis(hash["last_scan_at"])
	sub.PausedAt = millis(hash["paused_at"])
	return sub
}

func millis(raw string) time.Time {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
