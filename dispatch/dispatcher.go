package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/registry"
	"github.com/veldra/plugin-host/sandbox"
)

// Observer is notified after every dispatch attempt. The governor
// implements it; a nil observer disables supervision.
type Observer interface {
	ObserveCall(inst *sandbox.Instance, d time.Duration, err error)
}

// Dispatcher drives plugin instances from the simulation's tick loop.
// Deliver runs on the tick goroutine, cooperative and synchronous; nothing
// here executes in the background.
type Dispatcher struct {
	reg   *registry.Registry
	store pluginhost.Store
	obs   Observer

	mu      sync.Mutex
	pending []pluginhost.ActionBatch
}

// New creates a dispatcher over the registry. store receives applied
// batches; obs may be nil.
func New(reg *registry.Registry, store pluginhost.Store, obs Observer) *Dispatcher {
	return &Dispatcher{reg: reg, store: store, obs: obs}
}

// Deliver offers one event to every eligible instance, in registry
// insertion order. An instance is skipped, without a call and without an
// error, when the event requires a capability the manifest does not declare
// or when its subscriptions do not match the event type. Contained
// per-instance failures never abort delivery to the rest.
func (d *Dispatcher) Deliver(ctx context.Context, ev pluginhost.Event) {
	for _, inst := range d.reg.Active() {
		manifest := inst.Manifest()
		if ev.Required != "" && !manifest.Has(ev.Required) {
			continue
		}
		if !manifest.Subscribed(ev.Type) {
			continue
		}

		start := time.Now()
		batch, err := inst.Deliver(ctx, ev)
		if d.obs != nil {
			d.obs.ObserveCall(inst, time.Since(start), err)
		}
		if err != nil {
			// Already contained and recorded on the instance.
			sandbox.Logger().Debug("dispatch contained a plugin failure",
				zap.String("plugin", inst.Plugin()),
				zap.String("event", ev.Type),
				zap.Error(err),
			)
			continue
		}
		if batch != nil && len(batch.Actions) > 0 {
			d.mu.Lock()
			d.pending = append(d.pending, *batch)
			d.mu.Unlock()
		}
	}
}

// Drain returns the batches collected since the last drain, in production
// order, and clears the pending list.
func (d *Dispatcher) Drain() []pluginhost.ActionBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

// Apply drains pending batches and applies them against the store in a
// single-writer phase. Batches whose instance has faulted since production
// are discarded whole, never partially applied.
func (d *Dispatcher) Apply(ctx context.Context) error {
	for _, batch := range d.Drain() {
		if inst, ok := d.reg.Get(batch.Instance); ok && inst.State() == sandbox.StateFaulted {
			continue
		}
		if err := d.store.Apply(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs one full simulation step: the tick heartbeat, then each queued
// event, then the apply phase. No plugin observes another plugin's actions
// from the same tick, because apply strictly follows all delivery.
func (d *Dispatcher) Tick(ctx context.Context, tick uint64, events []pluginhost.Event) error {
	d.Deliver(ctx, pluginhost.TickEvent(tick))
	for _, ev := range events {
		ev.Tick = tick
		d.Deliver(ctx, ev)
	}
	return d.Apply(ctx)
}
