package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/veldra/plugin-host/bundle"
	"github.com/veldra/plugin-host/sandbox"
)

// Registry is the process-wide table of plugin instances. It is the only
// shared state in the subsystem: mutations (register, unregister, reload)
// take the write lock, dispatch iterates over a snapshot taken under the
// read lock, so no instance is ever dispatched concurrently with its own
// unregistration.
type Registry struct {
	mu           sync.RWMutex
	order        []string
	byID         map[string]*sandbox.Instance
	byPlugin     map[string]string
	onUnregister func(instanceID string)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*sandbox.Instance),
		byPlugin: make(map[string]string),
	}
}

// Register adds an instance to the table. One instance per plugin name; a
// second registration for the same name is refused, reload exists for that.
func (r *Registry) Register(inst *sandbox.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plugin := inst.Plugin()
	if _, exists := r.byPlugin[plugin]; exists {
		return fmt.Errorf("plugin %q is already registered", plugin)
	}
	r.byID[inst.ID()] = inst
	r.byPlugin[plugin] = inst.ID()
	r.order = append(r.order, inst.ID())
	return nil
}

// OnUnregister sets a hook invoked with the id of every instance the
// registry drops, whether through Unregister, Reload or Close. The governor
// releases its per-instance bookkeeping through it.
func (r *Registry) OnUnregister(fn func(instanceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = fn
}

// Unregister removes an instance and releases its sandbox. Removing an
// unknown id is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byPlugin, inst.Plugin())
		for n, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:n], r.order[n+1:]...)
				break
			}
		}
	}
	fn := r.onUnregister
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if fn != nil {
		fn(id)
	}
	return inst.Close(ctx)
}

// Get looks an instance up by id.
func (r *Registry) Get(id string) (*sandbox.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// GetPlugin looks an instance up by plugin name.
func (r *Registry) GetPlugin(plugin string) (*sandbox.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlugin[plugin]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// Snapshot returns every registered instance in insertion order, faulted
// records included. Faulted instances stay visible here for diagnostics
// until explicitly unloaded.
func (r *Registry) Snapshot() []*sandbox.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sandbox.Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Active returns the dispatch list: registered instances that have not
// faulted, in insertion order. Insertion order is stable across ticks so
// replay stays reproducible.
func (r *Registry) Active() []*sandbox.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sandbox.Instance, 0, len(r.order))
	for _, id := range r.order {
		inst := r.byID[id]
		if inst.State() != sandbox.StateFaulted {
			out = append(out, inst)
		}
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reload replaces a plugin's instance with a freshly loaded one. The old
// record, faulted or not, is dropped and closed; the replacement gets a new
// instance id and joins the dispatch order at the end.
func (r *Registry) Reload(ctx context.Context, rt *sandbox.Runtime, b *bundle.Bundle) (*sandbox.Instance, error) {
	if old, ok := r.GetPlugin(b.Manifest.Name); ok {
		// Close errors on the replaced instance do not block the reload.
		_ = r.Unregister(ctx, old.ID())
	}

	inst, err := rt.Load(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := r.Register(inst); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	return inst, nil
}

// Close unregisters and releases every instance.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, inst := range r.Snapshot() {
		if err := r.Unregister(ctx, inst.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
