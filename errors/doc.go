// Package errors provides structured error types for the plugin sandbox.
//
// Every error carries a Phase (where in the lifecycle it occurred) and a
// Kind (what went wrong). The pairing encodes the containment policy:
// load and link phase errors mean the plugin was never instantiated,
// runtime phase errors are contained to one instance, and KindInternal is
// the only kind that indicates a host-side bug.
package errors
