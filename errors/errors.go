package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the plugin lifecycle the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // bundle reading and manifest validation
	PhaseLink     Phase = "link"     // import resolution and instantiation
	PhaseRuntime  Phase = "runtime"  // sandboxed execution
	PhaseDispatch Phase = "dispatch" // event delivery and action collection
	PhaseGovern   Phase = "govern"   // resource supervision
)

// Kind categorizes the error
type Kind string

const (
	// Load-time kinds. A plugin that fails with one of these was never
	// instantiated and never registered.
	KindCorruptArchive     Kind = "corrupt_archive"
	KindMissingManifest    Kind = "missing_manifest"
	KindMissingModule      Kind = "missing_module"
	KindSchemaViolation    Kind = "schema_violation"
	KindUnknownCapability  Kind = "unknown_capability"
	KindInvalidModule      Kind = "invalid_module"
	KindAbiVersionMismatch Kind = "abi_version_mismatch"

	// Link-time kinds.
	KindCapabilityMismatch Kind = "capability_mismatch"
	KindMissingImport      Kind = "missing_import"
	KindMissingExport      Kind = "missing_export"

	// Tick-time kinds, contained to one instance.
	KindTrap             Kind = "trap"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindResourceExceeded Kind = "resource_exceeded"
	KindAbiViolation     Kind = "abi_violation"

	// KindInternal marks corrupted host-side bookkeeping. This is a
	// programming error in the host, never a plugin-triggered condition.
	KindInternal Kind = "internal"
)

// Error is the structured error type used throughout the sandbox
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Plugin string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Plugin != "" {
		b.WriteString(" plugin ")
		b.WriteString(e.Plugin)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two errors match when their
// phase and kind agree, so `errors.Is(err, &Error{Phase: p, Kind: k})` acts
// as a taxonomy check.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err if it is a structured sandbox error,
// or "" otherwise.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// IsLoad reports whether err belongs to the load-time family: the bundle
// was rejected before any instance existed.
func IsLoad(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Phase == PhaseLoad
}

// Convenience constructors for the fixed taxonomy

// CorruptArchive creates a malformed-archive error
func CorruptArchive(cause error) *Error {
	return &Error{Phase: PhaseLoad, Kind: KindCorruptArchive, Detail: "archive is not well-formed", Cause: cause}
}

// MissingManifest creates an error for a bundle without exactly one manifest
func MissingManifest() *Error {
	return &Error{Phase: PhaseLoad, Kind: KindMissingManifest, Detail: "bundle must contain exactly one manifest"}
}

// MissingModule creates an error for a bundle without exactly one module
func MissingModule() *Error {
	return &Error{Phase: PhaseLoad, Kind: KindMissingModule, Detail: "bundle must contain exactly one compiled module"}
}

// SchemaViolation creates a manifest schema error
func SchemaViolation(detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Phase: PhaseLoad, Kind: KindSchemaViolation, Detail: detail}
}

// UnknownCapability creates an error for a capability name the host does not know
func UnknownCapability(name string) *Error {
	return &Error{Phase: PhaseLoad, Kind: KindUnknownCapability, Detail: fmt.Sprintf("capability %q is not known to this host", name)}
}

// InvalidModule creates an error for module bytes that cannot be rewritten or compiled
func InvalidModule(detail string, cause error) *Error {
	return &Error{Phase: PhaseLoad, Kind: KindInvalidModule, Detail: detail, Cause: cause}
}

// AbiVersionMismatch creates a version negotiation error. No partial
// compatibility is attempted.
func AbiVersionMismatch(declared, supported string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindAbiVersionMismatch,
		Detail: fmt.Sprintf("manifest declares ABI %s, host supports %s", declared, supported),
	}
}

// CapabilityMismatch creates an error for an import with no declared capability
func CapabilityMismatch(plugin, function string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindCapabilityMismatch,
		Plugin: plugin,
		Detail: fmt.Sprintf("module imports %q without declaring its capability", function),
	}
}

// MissingImport creates an error for an import outside the host ABI
func MissingImport(plugin, module, function string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingImport,
		Plugin: plugin,
		Detail: fmt.Sprintf("unsatisfiable import %s.%s", module, function),
	}
}

// MissingExport creates an error for a declared entry point the module lacks
func MissingExport(plugin, name string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingExport,
		Plugin: plugin,
		Detail: fmt.Sprintf("module does not export %q", name),
	}
}

// Trap creates a runtime trap error (illegal memory access, explicit abort,
// arithmetic trap). Traps are isolated to the faulting instance.
func Trap(plugin string, cause error) *Error {
	return &Error{Phase: PhaseRuntime, Kind: KindTrap, Plugin: plugin, Detail: "execution trapped", Cause: cause}
}

// BudgetExhausted creates an instruction-budget exhaustion error
func BudgetExhausted(plugin string) *Error {
	return &Error{Phase: PhaseRuntime, Kind: KindBudgetExhausted, Plugin: plugin, Detail: "instruction budget exhausted"}
}

// ResourceExceeded creates a governor threshold error
func ResourceExceeded(plugin, what string) *Error {
	return &Error{Phase: PhaseGovern, Kind: KindResourceExceeded, Plugin: plugin, Detail: what}
}

// AbiViolation creates an error for a malformed cross-boundary buffer.
// Policy-wise it is handled exactly like a trap, never as a host crash.
func AbiViolation(plugin, detail string) *Error {
	return &Error{Phase: PhaseRuntime, Kind: KindAbiViolation, Plugin: plugin, Detail: detail}
}

// Internal creates a bookkeeping invariant error
func Internal(detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Phase: PhaseGovern, Kind: KindInternal, Detail: detail}
}
