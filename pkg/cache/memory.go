package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryItem struct {
	key      string
	data     []byte
	expireAt time.Time // zero means no expiration
}

// MemoryCache implements Service in process with optional LRU eviction.
type MemoryCache struct {
	mutex   sync.Mutex
	data    map[string]*list.Element
	order   *list.List // front is most recently used
	maxSize int
	now     func() time.Time

	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         0,
		CleanupInterval: 5 * time.Minute,
		Now:             time.Now,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		mc.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
		go mc.cleanupExpired()
	}
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expireAt time.Time
	if expiration > 0 {
		expireAt = mc.now().Add(expiration)
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if el, ok := mc.data[key]; ok {
		item := el.Value.(*memoryItem)
		item.data, item.expireAt = data, expireAt
		mc.order.MoveToFront(el)
		return nil
	}
	if mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictLRU()
	}
	mc.data[key] = mc.order.PushFront(&memoryItem{key: key, data: data, expireAt: expireAt})
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mutex.Lock()
	el, ok := mc.data[key]
	if !ok {
		mc.mutex.Unlock()
		return ErrCacheMiss
	}
	item := el.Value.(*memoryItem)
	if !item.expireAt.IsZero() && mc.now().After(item.expireAt) {
		mc.remove(el)
		mc.mutex.Unlock()
		return ErrCacheMiss
	}
	mc.order.MoveToFront(el)
	data := item.data
	mc.mutex.Unlock()

	// data is never mutated after Set, decoding outside the lock is safe
	return json.Unmarshal(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for _, key := range keys {
		if el, ok := mc.data[key]; ok {
			mc.remove(el)
		}
	}
	return nil
}

// Len returns the number of stored keys, expired or not.
func (mc *MemoryCache) Len() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache) evictLRU() {
	if el := mc.order.Back(); el != nil {
		mc.remove(el)
	}
}

func (mc *MemoryCache) remove(el *list.Element) {
	item := mc.order.Remove(el).(*memoryItem)
	delete(mc.data, item.key)
}

func (mc *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-mc.done:
			return
		case <-mc.cleanupTicker.C:
		}
		mc.mutex.Lock()
		now := mc.now()
		for _, el := range mc.data {
			item := el.Value.(*memoryItem)
			if !item.expireAt.IsZero() && now.After(item.expireAt) {
				mc.remove(el)
			}
		}
		mc.mutex.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		close(mc.done)
		if mc.cleanupTicker != nil {
			mc.cleanupTicker.Stop()
		}
	})
	return nil
}
