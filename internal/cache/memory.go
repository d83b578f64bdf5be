package cache

import (
	"sync"
	"time"

	"plyr/pkg/models"
)

// CacheEntry represents a cached item with expiration
type CacheEntry struct {
	Value      interface{}
	Expiration time.Time
}

// IsExpired checks if the cache entry has expired
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.Expiration)
}

// MemoryCache implements a simple in-memory cache
type MemoryCache struct {
	items map[string]*CacheEntry
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	done  chan struct{}
	once  sync.Once
}

// NewMemoryCache creates a new memory cache and starts its janitor. Call Stop
// to release the janitor goroutine.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	cache := &MemoryCache{
		items: make(map[string]*CacheEntry),
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go cache.cleanupExpired(time.Minute)

	return cache
}

// Set stores a value in the cache
func (c *MemoryCache) Set(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &CacheEntry{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || entry.IsExpired(c.now()) {
		return nil, false
	}

	return entry.Value, true
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Clear removes all items from the cache
func (c *MemoryCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*CacheEntry)
}

// Size returns the number of items in the cache
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Stop terminates the janitor goroutine (idempotent).
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.done) })
}

// cleanupExpired removes expired entries periodically
func (c *MemoryCache) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *MemoryCache) purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.items {
		if entry.IsExpired(now) {
			delete(c.items, key)
		}
	}
}

// QueueCache caches canonical queue records by owner id
type QueueCache struct {
	*MemoryCache
}

// NewQueueCache creates a new queue cache
func NewQueueCache(ttl time.Duration) *QueueCache {
	return &QueueCache{
		MemoryCache: NewMemoryCache(ttl),
	}
}

// SetQueue caches a record unless a newer version is already cached. Records
// must never regress in the cache, whatever order concurrent requests finish in.
func (qc *QueueCache) SetQueue(state models.QueueState) {
	qc.mutex.Lock()
	defer qc.mutex.Unlock()

	if entry, ok := qc.items[state.OwnerID]; ok && !entry.IsExpired(qc.now()) {
		if cached, ok := entry.Value.(models.QueueState); ok && cached.Version > state.Version {
			return
		}
	}
	qc.items[state.OwnerID] = &CacheEntry{
		Value:      state.Clone(),
		Expiration: qc.now().Add(qc.ttl),
	}
}

// GetQueue retrieves a cached record
func (qc *QueueCache) GetQueue(ownerID string) (models.QueueState, bool) {
	value, exists := qc.Get(ownerID)
	if !exists {
		return models.QueueState{}, false
	}

	state, ok := value.(models.QueueState)
	if !ok {
		return models.QueueState{}, false
	}
	return state.Clone(), true
}

// Invalidate drops the cached record of an owner if it is older than version.
// It reports whether an entry was dropped.
func (qc *QueueCache) Invalidate(ownerID string, version int64) bool {
	qc.mutex.Lock()
	defer qc.mutex.Unlock()

	entry, ok := qc.items[ownerID]
	if !ok {
		return false
	}
	if cached, ok := entry.Value.(models.QueueState); ok && cached.Version >= version {
		return false
	}
	delete(qc.items, ownerID)
	return true
}
