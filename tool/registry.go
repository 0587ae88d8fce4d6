package tool

import (
	"fmt"

	"github.com/alphadose/haxmap"
)

// Registry resolves tool handlers by function name. It is populated at
// startup and read concurrently by the dispatcher.
type Registry struct {
	defs *haxmap.Map[string, Definition]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: haxmap.New[string, Definition]()}
}

// Register adds definitions, failing on empty or duplicate names so a
// misconfigured handler set is rejected before any run starts.
func (r *Registry) Register(defs ...Definition) error {
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("tool registration requires a name")
		}
		if def.Function == nil {
			return fmt.Errorf("tool %s has no handler function", def.Name)
		}
		if _, exists := r.defs.Get(def.Name); exists {
			return fmt.Errorf("tool %s is already registered", def.Name)
		}
		r.defs.Set(def.Name, def)
	}
	return nil
}

// Get resolves a handler by name.
func (r *Registry) Get(name string) (Definition, bool) {
	return r.defs.Get(name)
}

// Definitions returns all registered tools, for advertising to the
// provider.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, r.defs.Len())
	r.defs.ForEach(func(_ string, def Definition) bool {
		out = append(out, def)
		return true
	})
	return out
}
