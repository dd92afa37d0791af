package sandbox

import (
	errs "github.com/veldra/plugin-host/errors"
)

// State is one lifecycle stage of a plugin instance.
type State int

const (
	StateUnloaded State = iota
	StateCompiled
	StateInstantiated
	StateRunning
	StateSuspended
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateCompiled:
		return "compiled"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// transitions is the monotonic lifecycle graph. Faulted is terminal except
// for explicit unload; nothing ever moves backwards toward Compiled. A
// reload is not a transition, it creates a fresh instance with a new id.
var transitions = map[State][]State{
	StateUnloaded:     {StateCompiled},
	StateCompiled:     {StateInstantiated, StateUnloaded},
	StateInstantiated: {StateRunning, StateFaulted, StateUnloaded},
	StateRunning:      {StateSuspended, StateFaulted, StateUnloaded},
	StateSuspended:    {StateRunning, StateFaulted, StateUnloaded},
	StateFaulted:      {StateUnloaded},
}

// checkTransition returns an internal bookkeeping error for an illegal
// lifecycle move. Such an error is a bug in the host, never plugin input.
func checkTransition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return errs.Internal("illegal lifecycle transition %s -> %s", from, to)
}
