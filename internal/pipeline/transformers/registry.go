package transformers

import (
	"fmt"
	"strconv"

	"github.com/yairfalse/conveyor/internal/pipeline"
)

const (
	KindNewline     = "newline"
	KindJSON        = "json"
	KindPassthrough = "passthrough"
)

// Register adds the built-in transformers to a registry
func Register(r *pipeline.TransformerRegistry) error {
	builtins := map[string]pipeline.TransformerFactory{
		KindNewline:     NewNewlineTransformer,
		KindJSON:        NewJSONTransformer,
		KindPassthrough: NewPassthroughTransformer,
	}
	for kind, factory := range builtins {
		if err := r.Register(kind, factory); err != nil {
			return fmt.Errorf("failed to register %s transformer: %w", kind, err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in transformers
func NewRegistry() *pipeline.TransformerRegistry {
	r := pipeline.NewTransformerRegistry()
	if err := Register(r); err != nil {
		// only fails on duplicate kinds, which cannot happen on a fresh registry
		panic(err)
	}
	return r
}

func boolOption(options map[string]string, name string, fallback bool) (bool, error) {
	value, ok := options[name]
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s option %q: %w", name, value, err)
	}
	return b, nil
}
