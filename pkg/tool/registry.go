package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the tools available to a workflow, keyed by name.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools. Duplicate names
// keep the last registration.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool. Registering an existing name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute looks up and runs a tool, wrapping errors in *Failure with
// timeout attribution. The result duration is filled in by the registry
// so tools don't have to.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &Failure{Tool: name, Err: ErrNotRegistered}
	}

	start := time.Now()
	result, err := t.Execute(ctx, input)
	if err != nil {
		return nil, &Failure{
			Tool:    name,
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	if result == nil {
		return nil, &Failure{Tool: name, Err: errors.New("tool returned no result")}
	}
	result.Source = name
	result.Duration = time.Since(start)
	return result, nil
}
