// Package tool defines the evidence-source boundary: named, read-only
// collectors the orchestrator may invoke under budget control.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotRegistered is returned when a requested tool does not exist.
var ErrNotRegistered = errors.New("tool not registered")

// Result is the output of one tool invocation.
type Result struct {
	Source   string        `json:"source"`
	Content  string        `json:"content"`
	Duration time.Duration `json:"duration"`
}

// Failure wraps a tool error with attribution so callers can tell which
// source failed and whether it was a timeout.
type Failure struct {
	Tool    string
	Timeout bool
	Err     error
}

func (f *Failure) Error() string {
	if f.Timeout {
		return fmt.Sprintf("tool %s: timed out: %v", f.Tool, f.Err)
	}
	return fmt.Sprintf("tool %s: %v", f.Tool, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Tool is a single evidence source. Implementations must respect ctx
// cancellation and must not perform writes; side-effecting actions go
// through the approval gate, never through tools.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, input map[string]any) (*Result, error)
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.Desc }

func (f Func) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	return f.Fn(ctx, input)
}
