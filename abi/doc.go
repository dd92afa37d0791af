// Package abi defines the fixed, versioned boundary between host and
// plugin: the function table in each direction, the memory regions used for
// inbound events and host replies, and the length-prefixed buffer format
// every cross-boundary payload uses.
//
// All payloads are opaque byte buffers. The host never trusts a
// guest-supplied pointer or length without validating it against the
// instance's actual memory bounds, and a malformed buffer is an ABI
// violation handled like a runtime trap.
package abi
