// Package governor enforces per-instance resource policy: instruction
// budgets are armed by the sandbox, wall-clock and memory ceilings are
// checked here after each call, and repeated violations inside a sliding
// window demote an instance to faulted.
package governor
