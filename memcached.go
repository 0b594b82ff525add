package sqlsession

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedStore implements the Store interface using Memcached. Payloads
// are stored as raw JSON bytes and expire via TTL, so the bounded cleanup
// pass has nothing to do here.
type MemcachedStore struct {
	client *memcache.Client
	ttl    time.Duration
}

// MemcachedConfig holds configuration for the Memcached store.
type MemcachedConfig struct {
	Servers []string
	// TTL is how long an entry survives after its last write. Defaults to
	// 10 days, matching the default retention window of the cleanup pass.
	TTL time.Duration
	// Timeout for Memcached operations. Defaults to 1 second if not set.
	Timeout time.Duration
}

// NewMemcachedStore creates a new MemcachedStore.
func NewMemcachedStore(ttl time.Duration, servers ...string) *MemcachedStore {
	return NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers: servers,
		TTL:     ttl,
		// Security: Set a default timeout to prevent indefinite hanging if Memcached is down.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedStoreWithConfig creates a new MemcachedStore with custom configuration.
func NewMemcachedStoreWithConfig(cfg MemcachedConfig) *MemcachedStore {
	client := memcache.New(cfg.Servers...)
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	client.Timeout = cfg.Timeout

	if cfg.TTL == 0 {
		cfg.TTL = 10 * 24 * time.Hour
	}

	return &MemcachedStore{
		client: client,
		ttl:    cfg.TTL,
	}
}

// Migrate is a no-op for Memcached as there is no schema to manage.
func (s *MemcachedStore) Migrate(ctx context.Context) error {
	return nil
}

// Get retrieves a session payload from Memcached.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from memcached: %w", err)
	}
	return item.Value, nil
}

// Upsert stores a session payload in Memcached, refreshing its TTL.
func (s *MemcachedStore) Upsert(ctx context.Context, key string, payload []byte) error {
	err := s.client.Set(&memcache.Item{
		Key:        key,
		Value:      payload,
		Expiration: memcachedExpiration(time.Now(), s.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to save to memcached: %w", err)
	}
	return nil
}

// Delete removes a session from Memcached.
func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	err := s.client.Delete(key)
	if err != nil && err != memcache.ErrCacheMiss {
		return fmt.Errorf("failed to delete from memcached: %w", err)
	}
	return nil
}

// DeleteOlderThan is a no-op for Memcached as it handles expiration automatically.
func (s *MemcachedStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

// Close is a no-op for Memcached client.
func (s *MemcachedStore) Close() error {
	return nil
}

// memcachedExpiration calculates the expiration value for Memcached.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix
// timestamps; values <= 30 days are treated as a delta from the current time.
func memcachedExpiration(now time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	if ttl > maxDelta*time.Second {
		return int32(now.Add(ttl).Unix())
	}
	if ttl < 0 {
		return 0
	}
	return int32(ttl.Seconds())
}
