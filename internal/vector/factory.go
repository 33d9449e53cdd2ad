package vector

import (
	"fmt"
	"strings"
)

// IndexType names a VectorIndex backend.
type IndexType string

const (
	// IndexTypeMemory keeps vectors in a flat slice and scans them on every search.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS is a FAISS IndexFlatL2. Needs -tags=faiss and libfaiss_c.
	IndexTypeFAISS IndexType = "faiss"
)

// ParseIndexType normalizes a configured index type. Empty means memory.
func ParseIndexType(s string) (IndexType, error) {
	switch t := IndexType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return IndexTypeMemory, nil
	case IndexTypeMemory, IndexTypeFAISS:
		return t, nil
	default:
		return "", fmt.Errorf("unknown index type: %s (supported: memory, faiss)", s)
	}
}

// NewVectorIndex creates an empty positional index of the given type and width.
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	t, err := ParseIndexType(indexType)
	if err != nil {
		return nil, err
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dimensions)
	}
	if t == IndexTypeFAISS {
		return NewFAISSIndex(dimensions)
	}
	return NewMemoryIndex(dimensions)
}

// IsFAISSAvailable reports whether the binary was built with FAISS.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
