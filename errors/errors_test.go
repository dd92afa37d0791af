package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Trap("greeter", stderrors.New("unreachable"))
	got := err.Error()
	want := "[runtime] trap plugin greeter: execution trapped (caused by: unreachable)"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	if got := MissingManifest().Error(); got != "[load] missing_manifest: bundle must contain exactly one manifest" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestIsMatchesPhaseAndKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", BudgetExhausted("looper"))

	if !stderrors.Is(err, &Error{Phase: PhaseRuntime, Kind: KindBudgetExhausted}) {
		t.Fatal("expected match on phase+kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseRuntime, Kind: KindTrap}) {
		t.Fatal("unexpected match on different kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseLoad, Kind: KindBudgetExhausted}) {
		t.Fatal("unexpected match on different phase")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("bad magic")
	err := CorruptArchive(cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected unwrap to reach the cause")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(UnknownCapability("teleport")); got != KindUnknownCapability {
		t.Fatalf("KindOf = %q", got)
	}
	if got := KindOf(stderrors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsLoad(t *testing.T) {
	loadKinds := []*Error{
		CorruptArchive(nil),
		MissingManifest(),
		MissingModule(),
		SchemaViolation("x"),
		UnknownCapability("x"),
		InvalidModule("x", nil),
		AbiVersionMismatch("2.0", "1.2"),
	}
	for _, err := range loadKinds {
		if !IsLoad(err) {
			t.Fatalf("IsLoad(%v) = false", err)
		}
	}
	if IsLoad(Trap("p", nil)) {
		t.Fatal("trap is not a load error")
	}
	if IsLoad(CapabilityMismatch("p", "emit_action")) {
		t.Fatal("link errors are not load errors")
	}
}
