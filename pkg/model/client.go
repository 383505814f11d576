package model

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common model failure modes.
var (
	ErrTimeout         = errors.New("model request timed out")
	ErrRateLimited     = errors.New("model request rate limited")
	ErrEmptyResponse   = errors.New("model returned empty response")
	ErrInvalidResponse = errors.New("model returned unparseable response")
)

// Error wraps a provider failure without leaking the raw payload.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model %s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a single retry of the call is worthwhile.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// Client produces structured syntheses from collected evidence.
// Implementations wrap a concrete LLM provider and own prompt assembly
// and response parsing; callers only see domain types and typed errors.
type Client interface {
	Synthesize(ctx context.Context, req *SynthesisRequest) (*Synthesis, error)
}

// Func adapts a plain function to the Client interface.
type Func func(ctx context.Context, req *SynthesisRequest) (*Synthesis, error)

func (f Func) Synthesize(ctx context.Context, req *SynthesisRequest) (*Synthesis, error) {
	return f(ctx, req)
}
