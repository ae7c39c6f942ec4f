package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ViewCache 缓存序列化后的查询视图，未命中时返回 false。
type ViewCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// RedisCache 以 JSON 形式把视图写入 Redis。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 根据 Redis 客户端构造缓存，可自定义 key 前缀。
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "kiosk:view"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 读取并反序列化缓存值。
func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, c.prefix+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set 序列化并写入缓存，ttl<=0 时不写入。
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+":"+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// MemoryCache 是 Redis 未配置时的进程内实现。
type MemoryCache struct {
	mu    sync.Mutex
	now   func() time.Time
	store map[string]memoryEntry
}

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// NewMemoryCache 构建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now, store: make(map[string]memoryEntry)}
}

// Get 读取未过期的缓存值，过期条目会被顺带清理。
func (m *MemoryCache) Get(_ context.Context, key string, dst any) (bool, error) {
	if m == nil {
		return false, nil
	}
	m.mu.Lock()
	entry, ok := m.store[key]
	if ok && !m.now().Before(entry.expires) {
		delete(m.store, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set 写入缓存，值经过 JSON 拷贝，调用方后续修改不会影响缓存。
func (m *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if m == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	m.mu.Lock()
	m.store[key] = memoryEntry{payload: raw, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}
