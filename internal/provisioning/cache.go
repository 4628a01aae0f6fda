package provisioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache holds the provider access token between requests.
type TokenCache interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

type MemoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (m *MemoryTokenCache) Get(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || !m.now().Before(m.expiresAt) {
		return "", false, nil
	}
	return m.token, true, nil
}

func (m *MemoryTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *MemoryTokenCache) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

// RedisTokenCache shares the token across api and worker processes.
type RedisTokenCache struct {
	Client *redis.Client
	Key    string
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{Client: client, Key: "provisioning:access_token"}
}

func (r *RedisTokenCache) Get(ctx context.Context) (string, bool, error) {
	v, err := r.Client.Get(ctx, r.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (r *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.Key, token, ttl).Err()
}

func (r *RedisTokenCache) Delete(ctx context.Context) error {
	return r.Client.Del(ctx, r.Key).Err()
}
