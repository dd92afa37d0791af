// Package sandbox compiles plugin modules and runs them in isolation.
//
// Each instance owns a private wazero runtime and linear memory; nothing is
// shared across instances. Modules are rewritten by the meter package before
// compilation so every call runs under an instruction budget, and the host
// module links only the functions the manifest declares capabilities for.
//
// Lifecycle per instance:
//
//	Unloaded -> Compiled -> Instantiated -> Running <-> Suspended -> {Faulted | Unloaded}
//
// Transitions are monotonic. Budget exhaustion aborts the in-flight call
// and suspends the instance with its memory preserved for inspection; the
// next dispatch re-enters through the export with a fresh budget. Traps
// fault the instance, which is terminal until an explicit reload creates a
// new instance with a new id.
package sandbox
