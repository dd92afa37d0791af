package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/dispatch"
	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/plugintest"
	"github.com/veldra/plugin-host/registry"
	"github.com/veldra/plugin-host/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustActions(t *testing.T, kinds ...string) []byte {
	t.Helper()
	actions := make([]pluginhost.Action, 0, len(kinds))
	for _, k := range kinds {
		actions = append(actions, pluginhost.Action{Kind: k})
	}
	data, err := json.Marshal(actions)
	require.NoError(t, err)
	return data
}

func register(t *testing.T, reg *registry.Registry, rt *sandbox.Runtime, manifest, module []byte) *sandbox.Instance {
	t.Helper()
	inst, err := rt.Load(context.Background(), plugintest.MustBundle(manifest, module))
	require.NoError(t, err)
	require.NoError(t, reg.Register(inst))
	return inst
}

func TestTickAppliesAfterAllDispatch(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	register(t, reg, rt, plugintest.ManifestYAML("first"), plugintest.FixedModule(mustActions(t, "a")))
	register(t, reg, rt, plugintest.ManifestYAML("second"), plugintest.FixedModule(mustActions(t, "b")))

	d := dispatch.New(reg, store, nil)

	// Delivery alone applies nothing: batches wait for the apply phase.
	d.Deliver(ctx, pluginhost.TickEvent(1))
	assert.Empty(t, store.Applied())

	require.NoError(t, d.Apply(ctx))
	applied := store.Applied()
	require.Len(t, applied, 2)

	// Apply order is registry insertion order.
	assert.Equal(t, "first", applied[0].Plugin)
	assert.Equal(t, "a", applied[0].Actions[0].Kind)
	assert.Equal(t, "second", applied[1].Plugin)
	assert.Equal(t, "b", applied[1].Actions[0].Kind)
}

func TestFaultContainment(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	register(t, reg, rt, plugintest.ManifestYAML("crasher"), plugintest.TrapModule())
	survivor := register(t, reg, rt, plugintest.ManifestYAML("survivor"), plugintest.FixedModule(mustActions(t, "ok")))

	d := dispatch.New(reg, store, nil)
	require.NoError(t, d.Tick(ctx, 1, nil))

	// The crasher's trap never reaches the tick loop; the survivor's
	// batch still lands.
	applied := store.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, "survivor", applied[0].Plugin)
	assert.Equal(t, sandbox.StateRunning, survivor.State())

	// Next tick dispatches only the survivor.
	require.NoError(t, d.Tick(ctx, 2, nil))
	assert.Len(t, store.Applied(), 2)
}

func TestCapabilityFilterSkipsWithoutCalling(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	// Declares query only; its handler would emit an action if invoked.
	inst := register(t, reg, rt,
		plugintest.ManifestYAML("observer", pluginhost.CapQuery),
		plugintest.FixedModule(mustActions(t, "never")),
	)

	d := dispatch.New(reg, store, nil)
	d.Deliver(ctx, pluginhost.Event{
		Type:     pluginhost.EventEntitySpawn,
		Tick:     1,
		Required: pluginhost.CapEmitAction,
	})
	require.NoError(t, d.Apply(ctx))

	// Skipped: no call attempted, no error raised, no actions produced.
	assert.Empty(t, store.Applied())
	assert.Equal(t, sandbox.StateInstantiated, inst.State())
	assert.NoError(t, inst.LastError())
}

func TestSubscriptionFilter(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	manifest := []byte("name: chatty\nversion: 1.0.0\nabi:\n  major: 1\nevents:\n  - chat.*\n")
	register(t, reg, rt, manifest, plugintest.FixedModule(mustActions(t, "heard")))

	d := dispatch.New(reg, store, nil)

	d.Deliver(ctx, pluginhost.Event{Type: pluginhost.EventEntityDeath, Tick: 1})
	require.NoError(t, d.Apply(ctx))
	assert.Empty(t, store.Applied())

	d.Deliver(ctx, pluginhost.Event{Type: pluginhost.EventChatMessage, Tick: 1})
	require.NoError(t, d.Apply(ctx))
	assert.Len(t, store.Applied(), 1)
}

func TestApplyDiscardsBatchesFromFaultedInstances(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	inst := register(t, reg, rt, plugintest.ManifestYAML("doomed"), plugintest.FixedModule(mustActions(t, "x")))

	d := dispatch.New(reg, store, nil)
	d.Deliver(ctx, pluginhost.TickEvent(1))

	// The governor faults the instance between delivery and apply; its
	// batch must be discarded whole, never partially applied.
	inst.ForceFault(assert.AnError)
	require.NoError(t, d.Apply(ctx))
	assert.Empty(t, store.Applied())
}

// kindRecorder counts contained errors by taxonomy kind.
type kindRecorder struct {
	kinds map[errs.Kind]int
}

func (r *kindRecorder) ObserveCall(_ *sandbox.Instance, _ time.Duration, err error) {
	if err == nil {
		return
	}
	if r.kinds == nil {
		r.kinds = make(map[errs.Kind]int)
	}
	r.kinds[errs.KindOf(err)]++
}

func TestBudgetSharedAcrossEventsWithinTick(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	cfg := sandbox.DefaultConfig()
	cfg.InstructionBudget = 50_000
	rt := sandbox.New(cfg, store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	looper := register(t, reg, rt, plugintest.ManifestYAML("looper"), plugintest.LoopModule())
	register(t, reg, rt, plugintest.ManifestYAML("steady"), plugintest.FixedModule(mustActions(t, "ok")))

	rec := &kindRecorder{}
	d := dispatch.New(reg, store, rec)

	events := []pluginhost.Event{
		{Type: pluginhost.EventEntitySpawn},
		{Type: pluginhost.EventEntityDeath},
	}
	require.NoError(t, d.Tick(ctx, 1, events))

	// The looper burned one budget on the tick heartbeat and sat out both
	// extra events: exactly one exhaustion, never one per event.
	assert.Equal(t, sandbox.StateSuspended, looper.State())
	assert.Equal(t, 1, rec.kinds[errs.KindBudgetExhausted])
	assert.Negative(t, looper.BudgetRemaining())

	// The sibling served the heartbeat and both events.
	assert.Len(t, store.Applied(), 3)

	// The next tick re-arms the looper and it spends one more budget.
	require.NoError(t, d.Tick(ctx, 2, nil))
	assert.Equal(t, 2, rec.kinds[errs.KindBudgetExhausted])
}

func TestDrainClearsPending(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{}
	rt := sandbox.New(sandbox.DefaultConfig(), store, nil)
	reg := registry.New()
	defer reg.Close(ctx)

	register(t, reg, rt, plugintest.ManifestYAML("once"), plugintest.FixedModule(mustActions(t, "x")))

	d := dispatch.New(reg, store, nil)
	d.Deliver(ctx, pluginhost.TickEvent(1))

	assert.Len(t, d.Drain(), 1)
	assert.Empty(t, d.Drain())
}
