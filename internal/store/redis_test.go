package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/chatcore/internal/crypto"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) *RedisStore {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis store tests")
	}

	s, err := NewRedisStore(redisURL, opts...)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	flushRedis(t, s)
	t.Cleanup(func() {
		flushRedis(t, s)
		s.Close()
	})
	return s
}

func flushRedis(t *testing.T, s *RedisStore) {
	ctx := context.Background()
	keys, _ := s.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if len(keys) > 0 {
		s.client.Del(ctx, keys...)
	}
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestRedisStore(t)
	})
}

func TestRedisStore_Sealed(t *testing.T) {
	sealer, _ := crypto.NewSealer("test-key")
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestRedisStore(t, WithRedisSealer(sealer))
	})
}

func TestRedisStore_Evicts(t *testing.T) {
	s := newTestRedisStore(t, WithRedisMaxConversations(2))
	ctx := context.Background()
	base := time.Now()

	s.Create(ctx, newConversation("a", base))
	s.Create(ctx, newConversation("b", base.Add(time.Second)))
	s.Create(ctx, newConversation("c", base.Add(2*time.Second)))

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Errorf("List() = %v", ids(list))
	}
}
