package embedding

import (
	"context"
	"math/rand"
	"time"
)

// Policy is the pacing and retry envelope around each provider call.
type Policy struct {
	// MaxAttempts is the total number of calls for one image, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; retry n waits BaseDelay * 2^(n-1).
	BaseDelay time.Duration
	// PacingMin and PacingMax bound the random delay slept before every call.
	PacingMin time.Duration
	PacingMax time.Duration
}

// DefaultPolicy matches the provider's published rate limits: up to 3 attempts,
// 5s then 10s between them, and 1-3s of pacing before each call.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		PacingMin:   1 * time.Second,
		PacingMax:   3 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultPolicy. Zero pacing is kept as-is
// only when both bounds are zero.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.PacingMax < p.PacingMin {
		p.PacingMax = p.PacingMin
	}
	return p
}

// RetryDelay returns the wait before retry n (n >= 1).
func (p Policy) RetryDelay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(1<<uint(n-1))
}

// Pacing draws a delay uniformly from [PacingMin, PacingMax).
func (p Policy) Pacing(rng *rand.Rand) time.Duration {
	span := p.PacingMax - p.PacingMin
	if span <= 0 {
		return p.PacingMin
	}
	return p.PacingMin + time.Duration(rng.Int63n(int64(span)))
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper backed by a real timer.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
