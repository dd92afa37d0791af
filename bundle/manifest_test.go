package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/abi"
	errs "github.com/veldra/plugin-host/errors"
)

const validManifest = `
name: greeter
version: 1.2.0
abi:
  major: 1
  minor: 1
capabilities:
  - log
  - emit-action
events:
  - tick
  - chat.*
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "greeter", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, abi.Version{Major: 1, Minor: 1}, m.ABI)

	assert.True(t, m.Has(pluginhost.CapLog))
	assert.True(t, m.Has(pluginhost.CapEmitAction))
	assert.False(t, m.Has(pluginhost.CapQuery))
	assert.Equal(t, []pluginhost.Capability{pluginhost.CapLog, pluginhost.CapEmitAction}, m.CapabilitySet())
}

func TestParseManifestSchemaErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		kind     errs.Kind
	}{
		{
			name:     "empty document",
			manifest: "",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "not yaml",
			manifest: "{{{",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "bad name",
			manifest: "name: Greeter!\nversion: 1.0.0\nabi: {major: 1}",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "name ends with hyphen",
			manifest: "name: greeter-\nversion: 1.0.0\nabi: {major: 1}",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "missing version",
			manifest: "name: greeter\nabi: {major: 1}",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "non-semver version",
			manifest: "name: greeter\nversion: latest\nabi: {major: 1}",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "missing abi major",
			manifest: "name: greeter\nversion: 1.0.0",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "unknown capability",
			manifest: "name: greeter\nversion: 1.0.0\nabi: {major: 1}\ncapabilities: [teleport]",
			kind:     errs.KindUnknownCapability,
		},
		{
			name:     "duplicate capability",
			manifest: "name: greeter\nversion: 1.0.0\nabi: {major: 1}\ncapabilities: [log, log]",
			kind:     errs.KindSchemaViolation,
		},
		{
			name:     "bad event pattern",
			manifest: "name: greeter\nversion: 1.0.0\nabi: {major: 1}\nevents: ['[']",
			kind:     errs.KindSchemaViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.manifest))
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.True(t, errs.IsLoad(err))
		})
	}
}

func TestManifestSubscribed(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	assert.True(t, m.Subscribed("tick"))
	assert.True(t, m.Subscribed("chat.message"))
	assert.False(t, m.Subscribed("entity.spawn"))
	// '.' separates segments: chat.* must not cross into sub-segments.
	assert.False(t, m.Subscribed("chat.message.edited"))
}

func TestManifestSubscribedDefault(t *testing.T) {
	m, err := ParseManifest([]byte("name: greeter\nversion: 1.0.0\nabi: {major: 1}"))
	require.NoError(t, err)

	// No declared patterns means every event.
	assert.True(t, m.Subscribed("tick"))
	assert.True(t, m.Subscribed("entity.death"))
}

func TestManifestHookDefaults(t *testing.T) {
	m, err := ParseManifest([]byte("name: greeter\nversion: 1.0.0\nabi: {major: 1}"))
	require.NoError(t, err)

	for _, hook := range []string{abi.HookLoad, abi.HookUnload, abi.HookTick, abi.HookEvent} {
		got, err := m.Hook(hook)
		require.NoError(t, err)
		assert.Equal(t, hook, got)
	}

	_, err = m.Hook("on_dream")
	assert.Error(t, err)
}

func TestManifestHookOverride(t *testing.T) {
	doc := `
name: greeter
version: 1.0.0
abi: {major: 1}
entry-points:
  tick: handle_tick
`
	m, err := ParseManifest([]byte(doc))
	require.NoError(t, err)

	got, err := m.Hook(abi.HookTick)
	require.NoError(t, err)
	assert.Equal(t, "handle_tick", got)

	got, err = m.Hook(abi.HookEvent)
	require.NoError(t, err)
	assert.Equal(t, abi.HookEvent, got)
}
