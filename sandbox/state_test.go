package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateUnloaded, StateCompiled},
		{StateCompiled, StateInstantiated},
		{StateInstantiated, StateRunning},
		{StateRunning, StateSuspended},
		{StateSuspended, StateRunning},
		{StateRunning, StateFaulted},
		{StateSuspended, StateFaulted},
		{StateFaulted, StateUnloaded},
		{StateRunning, StateUnloaded},
	}
	for _, tr := range legal {
		assert.NoError(t, checkTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	// Nothing moves backwards and faulted never resumes.
	illegal := []struct{ from, to State }{
		{StateRunning, StateCompiled},
		{StateFaulted, StateRunning},
		{StateFaulted, StateSuspended},
		{StateSuspended, StateInstantiated},
		{StateInstantiated, StateCompiled},
		{StateUnloaded, StateRunning},
	}
	for _, tr := range illegal {
		assert.Error(t, checkTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "unknown", State(99).String())
}
