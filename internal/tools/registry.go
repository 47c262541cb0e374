package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tinyclaw/internal/provider"
)

var (
	// ErrToolExists is returned when a name is registered twice.
	ErrToolExists = errors.New("tools: already registered")
	// ErrToolNotFound is returned on lookup of an unknown name.
	ErrToolNotFound = errors.New("tools: not found")
)

// Registry holds the runtime's tool set. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tools: nil or unnamed tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrToolExists, t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister adds a tool and panics on error. For wiring at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// Definitions renders the tool set as provider function definitions, in
// name order. When ownerTools is false, owner-only tools are left out so
// guests never see them.
func (r *Registry) Definitions(ownerTools bool) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.Tool, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		if t.OwnerOnly() && !ownerTools {
			continue
		}
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
