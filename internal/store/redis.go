package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chatcore/internal/crypto"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
)

const (
	redisKeyPrefix  = "chatcore:conv:"
	redisIndexKey   = "chatcore:conv:index"
	redisMaxRetries = 10
)

// RedisStore keeps one blob per conversation plus a sorted-set index scored
// by update time. Mutations use WATCH/MULTI so ReplacePending cannot race a
// concurrent Append on the same key.
type RedisStore struct {
	client *redis.Client
	codec  codec
	max    int
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithRedisSealer(s *crypto.Sealer) RedisOption {
	return func(r *RedisStore) {
		r.codec.sealer = s
	}
}

func WithRedisMaxConversations(n int) RedisOption {
	return func(r *RedisStore) {
		if n > 0 {
			r.max = n
		}
	}
}

func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts...), nil
}

func NewRedisStoreWithClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		max:    DefaultMaxConversations,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, conv *domain.Conversation) error {
	blob, err := s.codec.encode(conv)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(conv.ID), blob, 0)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: score(conv.UpdatedAt), Member: conv.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	return s.evict(ctx)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	blob, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return s.codec.decode(id, blob)
}

func (s *RedisStore) List(ctx context.Context) ([]*domain.Conversation, error) {
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	out := make([]*domain.Conversation, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		conv, err := s.codec.decode(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, turns ...domain.Turn) error {
	return s.update(ctx, id, func(conv *domain.Conversation, now time.Time) error {
		return appendTurns(conv, turns, now)
	})
}

func (s *RedisStore) ReplacePending(ctx context.Context, id string, turn domain.Turn) error {
	return s.update(ctx, id, func(conv *domain.Conversation, now time.Time) error {
		return replacePending(conv, turn, now)
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, redisKey(id))
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// update applies fn under optimistic locking on the conversation key.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*domain.Conversation, time.Time) error) error {
	key := redisKey(id)

	txf := func(tx *redis.Tx) error {
		blob, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		conv, err := s.codec.decode(id, blob)
		if err != nil {
			return err
		}
		if err := fn(conv, s.now()); err != nil {
			return err
		}
		updated, err := s.codec.encode(conv)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: score(conv.UpdatedAt), Member: id})
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update conversation %s: too much contention", id)
}

// evict trims the index to the bound, dropping the oldest entries.
func (s *RedisStore) evict(ctx context.Context) error {
	count, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return fmt.Errorf("count conversations: %w", err)
	}
	over := count - int64(s.max)
	if over <= 0 {
		return nil
	}

	oldest, err := s.client.ZPopMin(ctx, redisIndexKey, over).Result()
	if err != nil {
		return fmt.Errorf("evict conversations: %w", err)
	}

	keys := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if id, ok := z.Member.(string); ok {
			keys = append(keys, redisKey(id))
		}
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("evict conversations: %w", err)
		}
	}
	metrics.RecordStoreEviction("redis", len(keys))
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
