package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
)

// lruCacheItem is the internal structure stored in the linked list.
type lruCacheItem struct {
	key   string
	value *imagefetch.Asset
}

// MemoryTier is a thread-safe, size-limited cache of decoded images with a
// Least Recently Used (LRU) eviction policy. It is the fast tier of TieredCache.
type MemoryTier struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List               // Used to track the order of items (recency).
	cache map[string]*list.Element // Used for fast key lookups.
}

// NewMemoryTier creates a new LRU memory tier.
// - maxSize: The maximum number of images to hold. Must be > 0.
func NewMemoryTier(maxSize int) (*MemoryTier, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &MemoryTier{
		maxSize: maxSize,
		ll:      list.New(),
		cache:   make(map[string]*list.Element),
	}, nil
}

// Get returns the image stored under key and marks it most recently used,
// or nil on a miss.
func (c *MemoryTier) Get(key string) *imagefetch.Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruCacheItem).value
	}
	return nil
}

// Add stores an image, evicting the least recently used entry when full.
func (c *MemoryTier) Add(key string, asset *imagefetch.Asset) {
	if asset == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*lruCacheItem).value = asset
		c.ll.MoveToFront(elem)
		return
	}

	element := c.ll.PushFront(&lruCacheItem{key: key, value: asset})
	c.cache[key] = element

	if c.ll.Len() > c.maxSize {
		c.evict()
	}
}

// Len returns the number of cached images.
func (c *MemoryTier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict removes the least recently used item from the cache.
// This method is unexported and must be called within a locked mutex.
func (c *MemoryTier) evict() {
	elementToRemove := c.ll.Back()
	if elementToRemove != nil {
		itemToRemove := c.ll.Remove(elementToRemove).(*lruCacheItem)
		delete(c.cache, itemToRemove.key)
	}
}
