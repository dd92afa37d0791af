package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
)

// Capability names one host operation a plugin may invoke. A manifest's
// declared capability set is the ceiling on runtime behavior: host functions
// for undeclared capabilities are never linked into the instance.
type Capability string

const (
	// CapQuery allows read/write queries against the entity store.
	CapQuery Capability = "query"
	// CapLog allows the plugin to write host log lines.
	CapLog Capability = "log"
	// CapEmitAction allows the plugin to request effects on authoritative state.
	CapEmitAction Capability = "emit-action"
	// CapReadAsset allows the plugin to read packaged game assets.
	CapReadAsset Capability = "read-asset"
)

// Capabilities lists every capability known to this host, in stable order.
var Capabilities = []Capability{CapQuery, CapLog, CapEmitAction, CapReadAsset}

// ParseCapability validates a capability name from a manifest.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Event types delivered to plugins. The taxonomy mirrors the simulation
// server's event enum; payloads stay opaque to this subsystem.
const (
	EventTick        = "tick"
	EventChatMessage = "chat.message"
	EventEntitySpawn = "entity.spawn"
	EventEntityDeath = "entity.death"
	EventPlayerJoin  = "player.join"
	EventPlayerLeave = "player.leave"
)

// Event is one simulation occurrence offered to plugins during a tick.
type Event struct {
	// Type is a dotted event name, e.g. "entity.spawn". Manifest event
	// subscriptions are glob patterns matched against it.
	Type string `json:"type"`
	// Tick is the simulation tick the event belongs to.
	Tick uint64 `json:"tick"`
	// Required is the capability a plugin must declare to receive the
	// event. Plugins without it are skipped silently.
	Required Capability `json:"required,omitempty"`
	// Payload is the serialized event body, opaque to the sandbox.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TickEvent builds the per-tick heartbeat event.
func TickEvent(tick uint64) Event {
	return Event{Type: EventTick, Tick: tick}
}

// Action is one effect a plugin asks the host to apply to authoritative
// state. Actions are never executed by the plugin itself.
type Action struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionBatch is the ordered sequence of actions one instance produced in
// one call. Batches are applied exactly once, after every plugin has been
// dispatched for the tick; batches from a faulted call are discarded whole.
type ActionBatch struct {
	Instance string   `json:"instance"`
	Plugin   string   `json:"plugin"`
	Tick     uint64   `json:"tick"`
	Actions  []Action `json:"actions"`
}

// Store is the read/write query interface into the authoritative
// entity/component state. It is consumed only inside the apply phase and
// inside capability-gated query calls, never by sandboxed code directly.
type Store interface {
	// Query answers a serialized read request with a serialized response.
	Query(ctx context.Context, req []byte) ([]byte, error)
	// Apply executes a batch against authoritative state. Apply is called
	// from a single writer; implementations need not lock against other
	// batches.
	Apply(ctx context.Context, batch ActionBatch) error
}

// AssetSource resolves read-asset requests. Bundling and distribution of
// assets is outside this subsystem; implementations may read from disk,
// archives, or the network.
type AssetSource interface {
	ReadAsset(ctx context.Context, name string) ([]byte, error)
}
