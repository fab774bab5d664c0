package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// ErrMiss - the key is absent; callers fall through to the store. The
// engine never depends on cache content for correctness, only latency.
var ErrMiss = errors.New("cache miss")

const (
	certPrefix = "cert"
	crlPrefix  = "crl"
)

// CertKey names the cached public metadata of one issued certificate.
func CertKey(issuerID string, serial int64) string {
	return fmt.Sprintf("%s:%s:%d", certPrefix, issuerID, serial)
}

// CRLKey names the cached current CRL of one issuer.
func CRLKey(issuerID string) string {
	return fmt.Sprintf("%s:%s", crlPrefix, issuerID)
}

// Cache is the read-through facade in front of the store's hot paths.
// Consistency model is invalidate-then-repopulate, nothing stronger.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, keys ...string) error
}

// New builds the cache from config: redis when enabled, an in-process
// map otherwise.
func New() Cache {
	ttl := time.Duration(viper.GetInt("cache.ttl")) * time.Minute
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if viper.GetBool("cache.enabled") {
		client := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("cache.addr"),
			Password: viper.GetString("cache.password"),
			DB:       viper.GetInt("cache.db"),
		})
		return NewRedis(client, ttl)
	}
	return NewMemory(ttl)
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a redis-backed cache.
func NewRedis(client *redis.Client, ttl time.Duration) Cache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

func (c *redisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

type memoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
}

// NewMemory returns an in-process cache used when redis is disabled.
func NewMemory(ttl time.Duration) Cache {
	return &memoryCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(item.expiresAt) {
		// purge on read so churning keys do not accumulate
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) error {
	val := make([]byte, len(value))
	copy(val, value)
	c.mu.Lock()
	c.items[key] = memoryItem{value: val, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.items, key)
	}
	c.mu.Unlock()
	return nil
}
