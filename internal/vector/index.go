// Package vector provides the append-only vector store used by the product index.
// Positions are dense, zero-based and assigned in insertion order; they are never reused.
package vector

import "context"

// VectorIndex is an append-only dense vector store with exact L2 search.
type VectorIndex interface {
	// Append stores a copy of vector and returns its position (the previous Size()).
	Append(ctx context.Context, vector []float32) (int64, error)
	// Search returns up to k hits ordered by ascending squared distance, ties by ascending position.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Truncate discards all positions >= n. Used only for rollback and recovery.
	Truncate(n int) error
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Type() string
	Close() error
}

// Hit is a single vector search result.
type Hit struct {
	Position int64
	Distance float64 // squared L2 distance
}
