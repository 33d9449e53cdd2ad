package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/fileid"
	"github.com/hyperjump/mirip/pkg/e"
	"github.com/hyperjump/mirip/pkg/utils"
)

// minNorm is the smallest raw vector norm accepted from a provider.
const minNorm = 1e-12

// FeatureExtractor converts an image file into a unit-norm vector of fixed dimension.
// It paces every provider call, retries rate-limited calls with exponential backoff
// and fails immediately on any other provider error.
type FeatureExtractor struct {
	provider   Provider
	dimensions int
	policy     Policy
	sleep      Sleeper
	cache      *EmbeddingCache
	logger     *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a FeatureExtractor.
type Option func(*FeatureExtractor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(x *FeatureExtractor) { x.logger = logger }
}

// WithSleeper replaces the real timer, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(x *FeatureExtractor) { x.sleep = s }
}

// WithRand sets the source used for pacing delays.
func WithRand(r *rand.Rand) Option {
	return func(x *FeatureExtractor) { x.rng = r }
}

// WithCache enables reuse of vectors for identical image content.
func WithCache(c *EmbeddingCache) Option {
	return func(x *FeatureExtractor) { x.cache = c }
}

// WithPolicy overrides DefaultPolicy. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(x *FeatureExtractor) { x.policy = p.withDefaults() }
}

// NewFeatureExtractor wraps provider. dimensions is the vector length every result
// must have; the provider's own Dimensions is checked against it.
func NewFeatureExtractor(provider Provider, dimensions int, opts ...Option) (*FeatureExtractor, error) {
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if dimensions <= 0 {
		return nil, e.Validation("dimensions must be positive, got %d", dimensions)
	}
	if pd := provider.Dimensions(); pd > 0 && pd != dimensions {
		return nil, fmt.Errorf("provider %s: %w", provider.Name(), e.DimensionMismatch(pd, dimensions))
	}
	x := &FeatureExtractor{
		provider:   provider,
		dimensions: dimensions,
		policy:     DefaultPolicy(),
		sleep:      SleepContext,
		logger:     zap.NewNop(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Dimensions returns the length of every vector Extract produces.
func (x *FeatureExtractor) Dimensions() int {
	return x.dimensions
}

// Policy returns the effective pacing and retry policy.
func (x *FeatureExtractor) Policy() Policy {
	return x.policy
}

// Extract loads the image at path and returns its unit-norm feature vector.
//
// Errors: e.ErrInvalidImage if the file is not a decodable image,
// e.ErrExtractionFailed if the provider fails or stays rate limited for every attempt
// or returns a near-zero vector, e.ErrDimensionMismatch if the provider returns a
// vector of the wrong length, and ctx.Err() if cancelled while waiting.
func (x *FeatureExtractor) Extract(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := LoadImage(path)
	if err != nil {
		return nil, err
	}

	key := fileid.ContentID(data)
	if x.cache != nil {
		if v, ok := x.cache.Get(key); ok {
			x.logger.Debug("embedding cache hit", zap.String("path", path))
			return v, nil
		}
	}

	raw, err := x.embedWithRetry(ctx, path, data)
	if err != nil {
		return nil, err
	}
	vec, err := x.finish(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if x.cache != nil {
		x.cache.Set(key, vec)
	}
	return vec, nil
}

func (x *FeatureExtractor) embedWithRetry(ctx context.Context, path string, data []byte) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= x.policy.MaxAttempts; attempt++ {
		if err := x.sleep(ctx, x.pacing()); err != nil {
			return nil, err
		}
		vec, err := x.provider.Embed(ctx, data)
		if err == nil {
			return vec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		pe, ok := AsProviderError(err)
		if !ok || !pe.IsRateLimit() {
			return nil, fmt.Errorf("%w: %s: %w", e.ErrExtractionFailed, path, err)
		}
		lastErr = err
		if attempt == x.policy.MaxAttempts {
			break
		}
		delay := x.policy.RetryDelay(attempt)
		x.logger.Warn("provider rate limited, backing off",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := x.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s: still rate limited after %d attempts: %w",
		e.ErrExtractionFailed, path, x.policy.MaxAttempts, lastErr)
}

// finish validates the raw provider vector and normalizes a copy of it.
func (x *FeatureExtractor) finish(raw []float32) ([]float32, error) {
	if len(raw) != x.dimensions {
		return nil, e.DimensionMismatch(len(raw), x.dimensions)
	}
	vec := make([]float32, len(raw))
	copy(vec, raw)
	norm := utils.NormalizeL2(vec, minNorm)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("%w: provider returned non-finite values", e.ErrExtractionFailed)
	}
	if norm < minNorm {
		return nil, fmt.Errorf("%w: provider returned a zero vector (norm %g)", e.ErrExtractionFailed, norm)
	}
	return vec, nil
}

func (x *FeatureExtractor) pacing() time.Duration {
	x.rngMu.Lock()
	defer x.rngMu.Unlock()
	return x.policy.Pacing(x.rng)
}

// Close releases the provider.
func (x *FeatureExtractor) Close() error {
	return x.provider.Close()
}
