package editor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PluginOptions describes how a plugin joins the pipeline.
type PluginOptions struct {
	// Priority orders plugins; higher runs first. Ties run in key order.
	Priority int
}

// Plugin handles some editor operations.
type Plugin interface {
	Key() string
	Options() PluginOptions
	// HandleChange applies op and reports whether it was handled. A plugin
	// that does not understand op returns false and no error.
	HandleChange(ctx context.Context, m Mutator, op *Op) (bool, error)
}

// Registry maps plugin keys to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// DefaultRegistry returns a registry holding the built-in plugins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NotePlugin{})
	r.Register(BlocksPlugin{})
	return r
}

// Register adds p. It panics if p is nil or its key is taken.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p == nil {
		panic("editor: Register plugin is nil")
	}
	if _, exists := r.plugins[p.Key()]; exists {
		panic(fmt.Sprintf("editor: Register called twice for plugin %s", p.Key()))
	}
	r.plugins[p.Key()] = p
}

// IsRegistered returns true if a plugin is registered under key.
func (r *Registry) IsRegistered(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.plugins[key]
	return exists
}

// Pipeline resolves the registered plugins into dispatch order. Plugins
// registered later are not seen by an existing Pipeline.
func (r *Registry) Pipeline() *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	sort.Slice(plugins, func(i, j int) bool {
		pi, pj := plugins[i].Options().Priority, plugins[j].Options().Priority
		if pi != pj {
			return pi > pj
		}
		return plugins[i].Key() < plugins[j].Key()
	})
	return &Pipeline{plugins: plugins}
}

// Pipeline dispatches operations to plugins in priority order.
type Pipeline struct {
	plugins []Plugin
}

// Keys returns the plugin keys in dispatch order.
func (p *Pipeline) Keys() []string {
	keys := make([]string, len(p.plugins))
	for i, pl := range p.plugins {
		keys[i] = pl.Key()
	}
	return keys
}

// Apply dispatches op and returns it with any generated IDs filled in.
func (p *Pipeline) Apply(ctx context.Context, m Mutator, op Op) (Op, error) {
	if op.NoteID == "" {
		return op, fmt.Errorf("%w: %s needs a note id", ErrInvalidOp, op.Type)
	}
	for _, pl := range p.plugins {
		handled, err := pl.HandleChange(ctx, m, &op)
		if err != nil {
			return op, fmt.Errorf("%s: %w", pl.Key(), err)
		}
		if handled {
			return op, nil
		}
	}
	return op, fmt.Errorf("%w: %s", ErrUnhandledOp, op.Type)
}
