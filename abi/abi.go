package abi

import (
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	pluginhost "github.com/veldra/plugin-host"
	errs "github.com/veldra/plugin-host/errors"
)

// HostModule is the import namespace plugins link host functions from.
const HostModule = "env"

// Plugin-to-host function names. Renaming or re-signing any of these
// requires a major version bump.
const (
	// FuncSpend is the injected accounting hook. It is always linked and
	// never declared in a manifest; modules importing it directly are
	// rejected by the meter.
	FuncSpend = "spend"

	FuncQuery      = "query"
	FuncLog        = "log"
	FuncEmitAction = "emit_action"
	FuncReadAsset  = "read_asset"
)

// Host-to-plugin export names. on_load and on_unload are lifecycle hooks;
// on_tick and on_event receive a pointer+length pair into the plugin's own
// memory where the host has written a serialized event.
const (
	HookLoad   = "on_load"
	HookUnload = "on_unload"
	HookTick   = "on_tick"
	HookEvent  = "on_event"
)

// FuncForCapability maps a declared capability to the host function it
// unlocks. The mapping is the entire linkable surface: an import not in
// this table (other than spend) is unsatisfiable.
var FuncForCapability = map[pluginhost.Capability]string{
	pluginhost.CapQuery:      FuncQuery,
	pluginhost.CapLog:        FuncLog,
	pluginhost.CapEmitAction: FuncEmitAction,
	pluginhost.CapReadAsset:  FuncReadAsset,
}

// CapabilityForFunc is the inverse of FuncForCapability.
var CapabilityForFunc = func() map[string]pluginhost.Capability {
	m := make(map[string]pluginhost.Capability, len(FuncForCapability))
	for c, f := range FuncForCapability {
		m[f] = c
	}
	return m
}()

// Version is the negotiated ABI version pair.
type Version struct {
	Major uint16 `yaml:"major" json:"major"`
	Minor uint16 `yaml:"minor" json:"minor"`
}

// Supported is the ABI version this host implements.
var Supported = Version{Major: 1, Minor: 2}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Accepts reports whether a manifest declaring the other version can load
// on a host supporting v: major must match exactly, minor must not exceed
// the host's. No partial compatibility is attempted beyond that rule.
func (v Version) Accepts(other Version) bool {
	return other.Major == v.Major && other.Minor <= v.Minor
}

// Layout places the conventional inbound and reply regions in guest
// memory. The host owns both regions; plugins treat them as read-only.
type Layout struct {
	InboundOffset   uint32 `koanf:"inbound_offset"`
	InboundCapacity uint32 `koanf:"inbound_capacity"`
	ReplyOffset     uint32 `koanf:"reply_offset"`
	ReplyCapacity   uint32 `koanf:"reply_capacity"`
}

// DefaultLayout reserves 32KiB for inbound events and 16KiB for host
// replies inside the first memory page span.
func DefaultLayout() Layout {
	return Layout{
		InboundOffset:   1024,
		InboundCapacity: 32 * 1024,
		ReplyOffset:     1024 + 32*1024,
		ReplyCapacity:   16 * 1024,
	}
}

// PackPtrLen packs a guest pointer and length into the single i64 used by
// hook returns and host function results.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a packed i64 result.
func UnpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// prefixSize is the explicit little-endian length prefix carried by every
// cross-boundary buffer.
const prefixSize = 4

// WriteBuffer writes a length-prefixed payload into guest memory at off and
// returns the pointer+length pair to hand to the guest. The pointer refers
// to the payload, not the prefix.
func WriteBuffer(mem api.Memory, off, capacity uint32, payload []byte) (ptr, length uint32, err error) {
	need := uint32(len(payload)) + prefixSize
	if need > capacity {
		return 0, 0, errs.AbiViolation("", fmt.Sprintf("payload of %d bytes exceeds region capacity %d", len(payload), capacity))
	}
	if !mem.WriteUint32Le(off, uint32(len(payload))) {
		return 0, 0, errs.AbiViolation("", fmt.Sprintf("prefix write out of bounds at %d", off))
	}
	if len(payload) > 0 && !mem.Write(off+prefixSize, payload) {
		return 0, 0, errs.AbiViolation("", fmt.Sprintf("payload write out of bounds at %d+%d", off+prefixSize, len(payload)))
	}
	return off + prefixSize, uint32(len(payload)), nil
}

// ReadBuffer validates and copies a guest-supplied buffer. The pointer must
// follow a length prefix that agrees with the supplied length, and both
// prefix and payload must lie inside the instance's current memory. The
// guest-supplied length is never trusted before these checks.
func ReadBuffer(mem api.Memory, ptr, length uint32) ([]byte, error) {
	if ptr < prefixSize {
		return nil, errs.AbiViolation("", fmt.Sprintf("buffer pointer %d leaves no room for length prefix", ptr))
	}
	prefix, ok := mem.ReadUint32Le(ptr - prefixSize)
	if !ok {
		return nil, errs.AbiViolation("", fmt.Sprintf("length prefix out of bounds at %d", ptr-prefixSize))
	}
	if prefix != length {
		return nil, errs.AbiViolation("", fmt.Sprintf("length prefix %d disagrees with supplied length %d", prefix, length))
	}
	if length == 0 {
		return nil, nil
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, errs.AbiViolation("", fmt.Sprintf("buffer out of bounds: ptr=%d len=%d memory=%d", ptr, length, mem.Size()))
	}
	// Copy out: the wazero view aliases guest memory and is invalidated by
	// growth or further guest execution.
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// wireEvent is the serialized form written into the inbound region.
type wireEvent struct {
	Type    string          `json:"type"`
	Tick    uint64          `json:"tick"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent serializes an event for delivery to a guest.
func EncodeEvent(ev pluginhost.Event) ([]byte, error) {
	data, err := json.Marshal(wireEvent{Type: ev.Type, Tick: ev.Tick, Payload: ev.Payload})
	if err != nil {
		return nil, errs.AbiViolation("", fmt.Sprintf("encode event %s: %v", ev.Type, err))
	}
	return data, nil
}

// DecodeActions deserializes a hook's returned buffer into its action list.
// An empty buffer means no actions.
func DecodeActions(data []byte) ([]pluginhost.Action, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var actions []pluginhost.Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, errs.AbiViolation("", fmt.Sprintf("malformed action buffer: %v", err))
	}
	for i, a := range actions {
		if a.Kind == "" {
			return nil, errs.AbiViolation("", fmt.Sprintf("action %d has no kind", i))
		}
	}
	return actions, nil
}

// DecodeAction deserializes a single emit_action request.
func DecodeAction(data []byte) (pluginhost.Action, error) {
	var a pluginhost.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return pluginhost.Action{}, errs.AbiViolation("", fmt.Sprintf("malformed action request: %v", err))
	}
	if a.Kind == "" {
		return pluginhost.Action{}, errs.AbiViolation("", "action has no kind")
	}
	return a, nil
}
