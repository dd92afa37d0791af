package governor

import (
	"sync"
	"time"

	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/sandbox"
)

// Policy is the tunable resource envelope. Nothing in it is hard-coded by
// the governor; defaults come from configuration.
type Policy struct {
	// CallTimeout is the wall-clock ceiling per hook invocation. A call is
	// never interrupted by it (the instruction budget is the abort
	// mechanism), but a call observed over the ceiling counts as a
	// violation and suspends the instance.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// MaxMemoryBytes is the resident linear memory ceiling per instance.
	MaxMemoryBytes uint64 `koanf:"max_memory_bytes"`

	// ViolationWindow and MaxViolations define the fault threshold:
	// more than MaxViolations violations inside one window demotes the
	// instance to faulted and evicts it from dispatch.
	ViolationWindow time.Duration `koanf:"violation_window"`
	MaxViolations   int           `koanf:"max_violations"`
}

// DefaultPolicy allows 100ms per call, 64MiB of memory, and three
// violations per minute before faulting.
func DefaultPolicy() Policy {
	return Policy{
		CallTimeout:     100 * time.Millisecond,
		MaxMemoryBytes:  64 << 20,
		ViolationWindow: time.Minute,
		MaxViolations:   3,
	}
}

// Governor supervises instances after each call: it classifies outcomes,
// applies the policy, and escalates repeated violations to faults.
type Governor struct {
	policy Policy
	now    func() time.Time

	mu         sync.Mutex
	violations map[string][]time.Time
}

// New creates a governor with the given policy.
func New(policy Policy) *Governor {
	return &Governor{
		policy:     policy,
		now:        time.Now,
		violations: make(map[string][]time.Time),
	}
}

// WithClock overrides the governor's time source. Tests use it to step
// through violation windows deterministically.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// ObserveCall inspects one completed (or aborted) hook invocation and
// applies policy. It is called by the dispatcher on its own goroutine after
// every attempt.
func (g *Governor) ObserveCall(inst *sandbox.Instance, d time.Duration, callErr error) {
	plugin := inst.Plugin()
	callDuration.Observe(d.Seconds())
	memoryBytes.WithLabelValues(plugin).Set(float64(inst.MemoryBytes()))

	switch errs.KindOf(callErr) {
	case "":
		// The call itself succeeded; soft ceilings still apply below.
		callsTotal.WithLabelValues(plugin, "ok").Inc()
	case errs.KindBudgetExhausted:
		callsTotal.WithLabelValues(plugin, "budget").Inc()
		g.violation(inst, "budget")
	default:
		// Traps and ABI violations already faulted the instance.
		callsTotal.WithLabelValues(plugin, "fault").Inc()
		faultsTotal.WithLabelValues(plugin).Inc()
		return
	}

	if g.policy.CallTimeout > 0 && d > g.policy.CallTimeout {
		inst.Suspend(errs.ResourceExceeded(plugin, "call exceeded wall-clock ceiling"))
		g.violation(inst, "time")
	}
	if g.policy.MaxMemoryBytes > 0 && inst.MemoryBytes() > g.policy.MaxMemoryBytes {
		inst.Suspend(errs.ResourceExceeded(plugin, "memory ceiling exceeded"))
		g.violation(inst, "memory")
	}
}

// violation records one policy violation and faults the instance when the
// count inside the sliding window passes the threshold.
func (g *Governor) violation(inst *sandbox.Instance, reason string) {
	plugin := inst.Plugin()
	violationsTotal.WithLabelValues(plugin, reason).Inc()

	g.mu.Lock()
	now := g.now()
	recent := g.violations[inst.ID()][:0]
	for _, ts := range g.violations[inst.ID()] {
		if g.policy.ViolationWindow <= 0 || now.Sub(ts) <= g.policy.ViolationWindow {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	g.violations[inst.ID()] = recent
	over := g.policy.MaxViolations > 0 && len(recent) > g.policy.MaxViolations
	g.mu.Unlock()

	if over {
		inst.ForceFault(errs.ResourceExceeded(plugin, "repeated violations inside the policy window"))
		faultsTotal.WithLabelValues(plugin).Inc()
	}
}

// Forget drops violation history for an instance, typically after unload.
func (g *Governor) Forget(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.violations, instanceID)
}
