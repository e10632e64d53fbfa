package source

import (
	"fmt"
	"sort"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// Registry maps adapter type names to constructors. It is built explicitly
// at start-up and injected wherever adapters are resolved, so the engine can
// be tested without process-wide ambient state.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under the given adapter type name. Duplicate
// registration overwrites: last write wins.
func (r *Registry) Register(name string, ctor Constructor) {
	r.ctors[name] = ctor
}

// New resolves the adapter for a configured source.
func (r *Registry) New(src *alert.Source) (Adapter, error) {
	ctor, ok := r.ctors[src.AdapterType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for type %q", src.AdapterType)
	}
	return ctor(src)
}

// Types returns the registered adapter type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
