package metastore

import (
	"context"
	"sync"
	"time"

	"yuxicoord/internal/ports"
)

// ttlCache is a minimal in-process TTL cache to trim backend reads on
// hot paths. Lazy expiration on Get.
type ttlCache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]cacheEntry[V]
}

type cacheEntry[V any] struct {
	val V
	exp time.Time
}

func newTTLCache[K comparable, V any]() *ttlCache[K, V] {
	return &ttlCache[K, V]{data: make(map[K]cacheEntry[V])}
}

func (t *ttlCache[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()
	if !ok || time.Now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (t *ttlCache[K, V]) Set(k K, v V, ttl time.Duration) {
	t.mu.Lock()
	t.data[k] = cacheEntry[V]{val: v, exp: time.Now().Add(ttl)}
	t.mu.Unlock()
}

func (t *ttlCache[K, V]) Delete(k K) {
	t.mu.Lock()
	delete(t.data, k)
	t.mu.Unlock()
}

// CachedStore decorates a MetadataStore with a short-lived read cache.
// Saves write through and drop the cached entry; writes from other
// processes become visible once the entry's TTL lapses, so staleness is
// bounded by the TTL.
type CachedStore struct {
	inner ports.MetadataStore
	cache *ttlCache[string, map[string]any]
	ttl   time.Duration
}

func NewCached(inner ports.MetadataStore, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: newTTLCache[string, map[string]any](),
		ttl:   ttl,
	}
}

func (s *CachedStore) Load(ctx context.Context, key string) map[string]any {
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	v := s.inner.Load(ctx, key)
	s.cache.Set(key, v, s.ttl)
	return v
}

func (s *CachedStore) Save(ctx context.Context, key string, value map[string]any) error {
	s.cache.Delete(key)
	return s.inner.Save(ctx, key, value)
}
