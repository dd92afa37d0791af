// Package meter injects instruction accounting into core wasm modules
// before they are compiled.
//
// wazero has no native fuel mechanism, so the sandbox meters execution the
// way gas-metered hosts do: the binary is rewritten to import a host
// accounting hook and call it with the instruction count of every
// straight-line segment it is about to execute. The host decrements the
// instance's budget inside the hook and aborts the call when it reaches
// zero. Accounting points depend only on the module bytes, so a
// deterministic program traps at the same point on every run with the same
// budget.
package meter
