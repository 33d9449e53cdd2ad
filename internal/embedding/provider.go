// Package embedding turns product images into unit-norm feature vectors through an
// injected Provider, applying the pacing, retry and normalization policy.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the external feature-extraction capability. Embed receives baseline JPEG
// bytes and returns a raw vector of Dimensions() components. Errors should be
// *ProviderError so the extractor can tell rate limiting apart from other failures.
type Provider interface {
	Embed(ctx context.Context, jpeg []byte) ([]float32, error)
	Dimensions() int
	Name() string
	Close() error
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindFailed is any non-retryable provider error.
	KindFailed ErrorKind = iota
	// KindRateLimited means the provider asked us to slow down; the only retryable kind.
	KindRateLimited
	// KindMalformed means the provider answered but the payload was unusable.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	default:
		return "provider_error"
	}
}

// ProviderError is a typed provider failure.
type ProviderError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RequestID  string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	s := fmt.Sprintf("%s: %s", e.Kind, msg)
	if e.Code != "" {
		s = fmt.Sprintf("%s: %s - %s", e.Kind, e.Code, msg)
	}
	if e.RequestID != "" {
		s += fmt.Sprintf(" (request_id=%s, http_status=%d)", e.RequestID, e.HTTPStatus)
	} else if e.HTTPStatus != 0 {
		s += fmt.Sprintf(" (http_status=%d)", e.HTTPStatus)
	}
	return s
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimit reports whether the request may be retried after a backoff.
func (e *ProviderError) IsRateLimit() bool {
	return e.Kind == KindRateLimited
}

// AsProviderError attempts to cast an error to *ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// RateLimited returns a retryable provider error.
func RateLimited(message string) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, Message: message}
}

// Malformed returns a provider error for an unusable response.
func Malformed(message string) *ProviderError {
	return &ProviderError{Kind: KindMalformed, Message: message}
}

// Failed wraps err as a non-retryable provider error.
func Failed(err error) *ProviderError {
	return &ProviderError{Kind: KindFailed, Err: err}
}
