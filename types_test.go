package pluginhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	for _, c := range Capabilities {
		got, err := ParseCapability(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := ParseCapability("teleport")
	assert.Error(t, err)
	_, err = ParseCapability("Query")
	assert.Error(t, err, "capability names are case-sensitive")
}

func TestTickEvent(t *testing.T) {
	ev := TickEvent(42)
	assert.Equal(t, EventTick, ev.Type)
	assert.Equal(t, uint64(42), ev.Tick)
	assert.Empty(t, ev.Required)
	assert.Nil(t, ev.Payload)
}
