package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/conveyor/pkg/domain"
)

// Transformer converts an accepted raw record into the sink's representation.
// Implementations must be pure: the same input always yields the same output.
type Transformer interface {
	// Transform returns a *TransformError for malformed input
	Transform(raw domain.RawRecord) (domain.Record, error)

	// Kind returns the configuration name of this transformer (e.g., "newline", "json")
	Kind() string
}

// TransformPolicy decides what a transform failure does to the partition
type TransformPolicy string

const (
	// TransformSkip logs the bad record and advances past it
	TransformSkip TransformPolicy = "skip"
	// TransformFail halts the partition; the checkpoint stays before the bad record
	TransformFail TransformPolicy = "fail"
)

// Valid reports whether p is a known policy
func (p TransformPolicy) Valid() bool {
	return p == TransformSkip || p == TransformFail
}

// TransformerFactory builds a transformer from its options
type TransformerFactory func(options map[string]string) (Transformer, error)

// TransformerRegistry maps transformer kinds to factories so the connector can
// select one from configuration at startup
type TransformerRegistry struct {
	mu        sync.RWMutex
	factories map[string]TransformerFactory
}

// NewTransformerRegistry creates an empty registry
func NewTransformerRegistry() *TransformerRegistry {
	return &TransformerRegistry{
		factories: make(map[string]TransformerFactory),
	}
}

// Register adds a factory for a transformer kind
func (r *TransformerRegistry) Register(kind string, factory TransformerFactory) error {
	if kind == "" {
		return fmt.Errorf("transformer kind cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("transformer factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transformer already registered for kind: %s", kind)
	}

	r.factories[kind] = factory
	return nil
}

// Build creates a transformer of the given kind
func (r *TransformerRegistry) Build(kind string, options map[string]string) (Transformer, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no transformer registered for kind: %s", kind)
	}
	return factory(options)
}

// List returns all registered kinds in sorted order
func (r *TransformerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
