package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/mirip/pkg/e"
)

// MemoryIndex is an in-memory vector store using exact brute-force squared L2 search.
// Vectors are kept in one flat row-major slice; position i occupies
// vectors[i*dimensions : (i+1)*dimensions].
type MemoryIndex struct {
	dimensions int
	vectors    []float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		vectors:    make([]float32, 0),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the configured dimensionality.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Append copies vector into the store and returns its position.
func (m *MemoryIndex) Append(ctx context.Context, vector []float32) (int64, error) {
	if len(vector) != m.dimensions {
		return 0, e.DimensionMismatch(len(vector), m.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int64(len(m.vectors) / m.dimensions)
	m.vectors = append(m.vectors, vector...)
	return pos, nil
}

// Search returns the k nearest positions to query. An empty index yields an empty slice.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != m.dimensions {
		return nil, e.DimensionMismatch(len(query), m.dimensions)
	}
	if k <= 0 {
		return nil, e.Validation("k must be positive, got %d", k)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.vectors) / m.dimensions
	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		row := m.vectors[i*m.dimensions : (i+1)*m.dimensions]
		hits[i] = Hit{Position: int64(i), Distance: SquaredL2(query, row)}
	}
	sortHits(hits)
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// sortHits orders hits by ascending distance, then ascending position.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Position < hits[j].Position
	})
}

// Truncate discards positions >= n. Truncating to a size >= Size() is a no-op.
func (m *MemoryIndex) Truncate(n int) error {
	if n < 0 {
		return fmt.Errorf("truncate: negative size %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n*m.dimensions < len(m.vectors) {
		m.vectors = m.vectors[:n*m.dimensions]
	}
	return nil
}

// Save persists the index to path atomically. An empty path is a no-op.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return writeIndexFile(path, m.dimensions, m.vectors)
}

// Load replaces the in-memory contents with the file at path. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	flat, found, err := readIndexFile(path, m.dimensions)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = flat
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors) / m.dimensions
}

// Vector returns a copy of the vector at pos.
func (m *MemoryIndex) Vector(pos int64) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos < 0 || int(pos) >= len(m.vectors)/m.dimensions {
		return nil, false
	}
	out := make([]float32, m.dimensions)
	copy(out, m.vectors[int(pos)*m.dimensions:])
	return out, true
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
