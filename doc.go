// Package pluginhost provides a sandbox for running untrusted game plugins
// inside an isolated WebAssembly virtual machine.
//
// Plugins are distributed as bundles (a manifest plus a compiled wasm
// module), run with private linear memory and a deterministic instruction
// budget, and interact with the authoritative simulation only through a
// narrow, versioned host ABI.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	pluginhost/          Root package with the shared data model and collaborator interfaces
//	├── bundle/          Bundle archive reading and manifest validation
//	├── meter/           Instruction-budget injection by wasm binary rewriting
//	├── sandbox/         Instance lifecycle and wazero-backed execution
//	├── abi/             The fixed, versioned host/plugin function table and wire format
//	├── registry/        Process-wide table of loaded instances
//	├── dispatch/        Tick-driven event delivery and action collection
//	├── governor/        Resource budgets, violation tracking, and eviction
//	├── config/          Tunable policy loading
//	└── errors/          Structured error types shared across packages
//
// # Quick Start
//
// Load a bundle and drive it for one tick:
//
//	b, err := bundle.ReadFile("greeter.zip")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
//	inst, err := rt.Load(ctx, b)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := registry.New()
//	if err := reg.Register(inst); err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Close(ctx)
//
//	d := dispatch.New(reg, store, governor.New(governor.DefaultPolicy()))
//	if err := d.Tick(ctx, 1, nil); err != nil {
//	    log.Fatal(err)
//	}
//
// # Isolation Model
//
// Each instance owns a dedicated wazero runtime and linear memory. The host
// reads and writes guest memory only through bounds-checked helpers, and the
// guest reaches the host only through capability-gated functions linked at
// instantiation. A trapped or over-budget instance is suspended or evicted
// without affecting other instances or the tick loop.
//
// # Thread Safety
//
// The registry is safe for concurrent use. Instances are NOT thread-safe:
// dispatch happens on the simulation tick goroutine, and an instance is never
// dispatched concurrently with its own unregistration.
package pluginhost
