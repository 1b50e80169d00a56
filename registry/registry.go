// Package registry implements the command-dispatch table: a plain map
// from command name to handler closure, populated at worker
// construction. The built-in commands seed a base table that user code
// extends with its own names.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/jrepp/redisbus/command"
)

// Handler answers one dispatched command through cc.
type Handler func(ctx context.Context, cc *command.Context) error

// Registry is a concurrency-safe command-name to Handler table. The
// built-in commands live in a base Registry that user code extends by
// calling Register with its own names.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, overwriting any existing handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler bound to name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered command name, sorted, for the "info"
// command's introspection payload.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
