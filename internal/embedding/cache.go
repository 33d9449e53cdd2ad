package embedding

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is an LRU of unit-norm vectors keyed by image content ID.
// Values are copied on the way in and out so callers may mutate what they hold.
type EmbeddingCache struct {
	lru *lru.Cache[string, []float32]
}

// NewEmbeddingCache creates a cache holding at most capacity vectors.
func NewEmbeddingCache(capacity int) (*EmbeddingCache, error) {
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	return &EmbeddingCache{lru: c}, nil
}

// Get returns the cached vector for key if present.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Set stores the vector for key, evicting the least recently used entry if full.
func (c *EmbeddingCache) Set(key string, value []float32) {
	v := make([]float32, len(value))
	copy(v, value)
	c.lru.Add(key, v)
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
