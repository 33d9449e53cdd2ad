package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
)

// MockProvider returns deterministic vectors derived from a hash of the image bytes.
// Identical images always map to the same vector. Useful for tests and offline runs.
type MockProvider struct {
	dimensions int
	calls      atomic.Int64
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider with the given dimensions.
func NewMockProvider(dimensions int) *MockProvider {
	return &MockProvider{dimensions: dimensions}
}

// Embed returns a pseudo-random vector seeded by the content hash.
func (m *MockProvider) Embed(ctx context.Context, jpeg []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	sum := sha256.Sum256(jpeg)
	rng := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(sum[:8]))))
	vec := make([]float32, m.dimensions)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return vec, nil
}

// Calls returns how many times Embed ran.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// Dimensions returns the vector length.
func (m *MockProvider) Dimensions() int { return m.dimensions }

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Close is a no-op.
func (m *MockProvider) Close() error { return nil }
