package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesisNormalize(t *testing.T) {
	s := &Synthesis{
		Hypotheses: []Hypothesis{
			{Description: "connection pool exhaustion", Confidence: 0.8},
			{Rank: 3, Description: "cold cache", Confidence: 0.3},
			{Rank: 2, Description: "slow downstream", Confidence: 0.5},
		},
	}
	s.Normalize()

	require.Len(t, s.Hypotheses, 3)
	assert.Equal(t, 1, s.Hypotheses[0].Rank)
	assert.Equal(t, "connection pool exhaustion", s.Hypotheses[0].Description)
	assert.Equal(t, "slow downstream", s.Hypotheses[1].Description)
	assert.Equal(t, "cold cache", s.Hypotheses[2].Description)
}

func TestTopConfidence(t *testing.T) {
	var nilSynthesis *Synthesis
	assert.Equal(t, 0.0, nilSynthesis.TopConfidence())
	assert.Equal(t, 0.0, (&Synthesis{}).TopConfidence())

	s := &Synthesis{
		Hypotheses: []Hypothesis{
			{Rank: 2, Confidence: 0.9},
			{Rank: 1, Confidence: 0.6},
		},
	}
	assert.Equal(t, 0.6, s.TopConfidence())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", ErrTimeout, true},
		{"rate limited", ErrRateLimited, true},
		{"empty response", ErrEmptyResponse, false},
		{"retryable provider error", &Error{Provider: "test", Retryable: true}, true},
		{"permanent provider error", &Error{Provider: "test", StatusCode: 400}, false},
		{"wrapped timeout", &Error{Provider: "test", Err: ErrTimeout, Retryable: true}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Provider: "anthropic", StatusCode: 529, Message: "overloaded"}
	assert.Equal(t, "model anthropic: status 529: overloaded", err.Error())

	err = &Error{Provider: "anthropic", Message: "connection reset"}
	assert.Equal(t, "model anthropic: connection reset", err.Error())
}

func TestFuncAdapter(t *testing.T) {
	called := false
	c := Func(func(ctx context.Context, req *SynthesisRequest) (*Synthesis, error) {
		called = true
		return &Synthesis{Summary: "ok"}, nil
	})

	s, err := c.Synthesize(context.Background(), &SynthesisRequest{RequestID: "r1"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", s.Summary)
}
