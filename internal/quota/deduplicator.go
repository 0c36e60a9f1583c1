package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeated alerts for the same scope and level.
// The Redis implementation shares that state between processes, so a quota
// alert fans out once even when several engine instances poll the quota.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this (scope, level) alert is new.
	ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool

	// ClearAlert forgets every level for scope.
	ClearAlert(ctx context.Context, scope string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[scope]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[scope] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, scope string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, scope)
}

type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator connects to redisURL. lockTTL bounds how long an alert
// stays suppressed; quotas reset monthly, so hours are reasonable.
func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(scope string, level AlertLevel) string {
	return fmt.Sprintf("quota:alert:%s:%s", scope, level)
}

// ShouldAlert relies on SETNX: only the first writer of the key alerts.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(scope, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, scope string) {
	keys := make([]string, 0, 3)
	for _, level := range []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded} {
		keys = append(keys, d.alertKey(scope, level))
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
