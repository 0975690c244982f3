// Package collector defines the contract every stage producer satisfies,
// the error types the orchestrator's retry policy understands, and the
// registry that maps collector keys to implementations.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/charter/internal/artifact"
)

// Input is what the orchestrator passes to a collector on each attempt.
// Collector-specific settings are bound at construction.
type Input struct {
	RunID   string
	Stage   string
	Attempt int
	Params  map[string]string
}

// Param returns the named stage parameter or def.
func (in Input) Param(key, def string) string {
	if v, ok := in.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Collector produces one stage's artifact.
//
// On success the returned artifact is named after in.Stage and is in state
// collected. Failures should be *CollectionError; other errors are treated
// as retryable.
type Collector interface {
	Name() string
	Collect(ctx context.Context, in Input) (*artifact.Artifact, error)
}

// Func adapts a function to the Collector interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, in Input) (*artifact.Artifact, error)
}

// Name implements Collector.
func (f Func) Name() string { return f.ID }

// Collect implements Collector.
func (f Func) Collect(ctx context.Context, in Input) (*artifact.Artifact, error) {
	return f.Fn(ctx, in)
}

// Registry maps collector keys to implementations.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector under key. Keys are unique.
func (r *Registry) Register(key string, c Collector) error {
	if key == "" || c == nil {
		return fmt.Errorf("collector: key and collector are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collectors[key]; exists {
		return fmt.Errorf("collector: %q already registered", key)
	}
	r.collectors[key] = c
	return nil
}

// Get returns the collector registered under key.
func (r *Registry) Get(key string) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollector, key)
	}
	return c, nil
}

// Keys returns registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.collectors))
	for k := range r.collectors {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// NewArtifact returns an artifact for in.Stage already in state collected.
func NewArtifact(in Input, source string) *artifact.Artifact {
	return &artifact.Artifact{
		Name:          in.Stage,
		State:         artifact.StateCollected,
		SourceAdapter: source,
	}
}
