package cache

import (
	"sync"
)

// Cache is a process-local map used for in-flight job state. The shared TTL
// cache for discovery results lives in Redis; this is never durable.
type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.Mutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, key)
}

func (c *Cache[T]) Get(key string) T {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	info, ok := c.cache[key]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) Store(key string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[key] = value
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}
