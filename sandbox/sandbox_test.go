package sandbox_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pluginhost "github.com/veldra/plugin-host"
	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/plugintest"
	"github.com/veldra/plugin-host/sandbox"
)

func newRuntime(store *plugintest.MemStore, budget int64) *sandbox.Runtime {
	cfg := sandbox.DefaultConfig()
	if budget > 0 {
		cfg.InstructionBudget = budget
	}
	return sandbox.New(cfg, store, nil)
}

func TestLoadAndDeliverFixedHandler(t *testing.T) {
	ctx := context.Background()
	reply, err := json.Marshal([]pluginhost.Action{{Kind: "chat.say", Data: json.RawMessage(`{"text":"hi"}`)}})
	require.NoError(t, err)

	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(plugintest.ManifestYAML("fixed"), plugintest.FixedModule(reply))

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.Equal(t, sandbox.StateInstantiated, inst.State())
	assert.NotEmpty(t, inst.ID())

	batch, err := inst.Deliver(ctx, pluginhost.TickEvent(7))
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, sandbox.StateRunning, inst.State())
	assert.Equal(t, "fixed", batch.Plugin)
	assert.Equal(t, uint64(7), batch.Tick)
	require.Len(t, batch.Actions, 1)
	assert.Equal(t, "chat.say", batch.Actions[0].Kind)
	assert.JSONEq(t, `{"text":"hi"}`, string(batch.Actions[0].Data))
}

func TestBudgetExhaustionSuspendsDeterministically(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 50_000)
	b := plugintest.MustBundle(plugintest.ManifestYAML("looper"), plugintest.LoopModule())

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Deliver(ctx, pluginhost.TickEvent(1))
	require.Error(t, err)
	assert.Equal(t, errs.KindBudgetExhausted, errs.KindOf(err))
	assert.Equal(t, sandbox.StateSuspended, inst.State())
	// Memory stays inspectable after suspension.
	assert.NotZero(t, inst.MemoryBytes())
	first := inst.BudgetRemaining()

	// The next tick re-arms the budget; being deterministic, the run stops
	// at exactly the same accounting point.
	_, err = inst.Deliver(ctx, pluginhost.TickEvent(2))
	require.Error(t, err)
	assert.Equal(t, errs.KindBudgetExhausted, errs.KindOf(err))
	assert.Equal(t, first, inst.BudgetRemaining())
}

func TestBudgetIsCumulativeWithinTick(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 50_000)
	b := plugintest.MustBundle(plugintest.ManifestYAML("looper"), plugintest.LoopModule())

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Deliver(ctx, pluginhost.TickEvent(1))
	require.Error(t, err)
	assert.Equal(t, errs.KindBudgetExhausted, errs.KindOf(err))
	spent := inst.BudgetRemaining()

	// Further events of the same tick do not re-arm the budget: the
	// instance sits them out without a call, so nothing more is spent.
	batch, err := inst.Deliver(ctx, pluginhost.Event{Type: pluginhost.EventEntitySpawn, Tick: 1})
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, sandbox.StateSuspended, inst.State())
	assert.Equal(t, spent, inst.BudgetRemaining())

	// The next tick starts a fresh pool.
	_, err = inst.Deliver(ctx, pluginhost.TickEvent(2))
	require.Error(t, err)
	assert.Equal(t, errs.KindBudgetExhausted, errs.KindOf(err))
	assert.Equal(t, spent, inst.BudgetRemaining())
}

func TestDiagnosticsDuringDispatch(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 50_000)
	b := plugintest.MustBundle(plugintest.ManifestYAML("looper"), plugintest.LoopModule())

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	// A monitoring goroutine snapshots the instance while calls are in
	// flight; the race detector keeps this honest.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 1000; n++ {
			d := inst.Diagnostics()
			_ = d.BudgetRemaining
			_ = d.MemoryBytes
		}
	}()

	for tick := uint64(1); tick <= 4; tick++ {
		_, _ = inst.Deliver(ctx, pluginhost.TickEvent(tick))
	}
	<-done

	assert.Equal(t, "looper", inst.Diagnostics().Plugin)
	assert.Equal(t, sandbox.StateSuspended, inst.Diagnostics().State)
}

func TestTrapFaults(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(plugintest.ManifestYAML("crasher"), plugintest.TrapModule())

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Deliver(ctx, pluginhost.TickEvent(1))
	require.Error(t, err)
	assert.Equal(t, errs.KindTrap, errs.KindOf(err))
	assert.Equal(t, sandbox.StateFaulted, inst.State())
	assert.Error(t, inst.LastError())

	// Faulted is terminal: further dispatch is a host-side bookkeeping
	// error, not a plugin call.
	_, err = inst.Deliver(ctx, pluginhost.TickEvent(2))
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}

func TestEmitActionFunnelsIntoBatch(t *testing.T) {
	ctx := context.Background()
	action, err := json.Marshal(pluginhost.Action{Kind: "entity.spawn"})
	require.NoError(t, err)

	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(
		plugintest.ManifestYAML("emitter", pluginhost.CapEmitAction),
		plugintest.EmitterModule(action),
	)

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	batch, err := inst.Deliver(ctx, pluginhost.TickEvent(3))
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Actions, 1)
	assert.Equal(t, "entity.spawn", batch.Actions[0].Kind)
}

func TestQueryReachesStore(t *testing.T) {
	ctx := context.Background()
	store := &plugintest.MemStore{QueryResponse: []byte(`{"pos":[0,0]}`)}

	rt := newRuntime(store, 0)
	b := plugintest.MustBundle(
		plugintest.ManifestYAML("scout", pluginhost.CapQuery),
		plugintest.QueryModule([]byte(`{"entity":42}`)),
	)

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Deliver(ctx, pluginhost.TickEvent(1))
	require.NoError(t, err)

	queries := store.Queries()
	require.Len(t, queries, 1)
	assert.JSONEq(t, `{"entity":42}`, string(queries[0]))
}

func TestUndeclaredImportFailsLink(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	// The module imports env.emit_action but the manifest declares nothing.
	b := plugintest.MustBundle(
		plugintest.ManifestYAML("sneaky"),
		plugintest.ImportingModule("env", "emit_action"),
	)

	_, err := rt.Load(ctx, b)
	require.Error(t, err)
	assert.Equal(t, errs.KindCapabilityMismatch, errs.KindOf(err))
}

func TestForeignImportFailsLink(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(
		plugintest.ManifestYAML("alien"),
		plugintest.ImportingModule("world", "spawn"),
	)

	_, err := rt.Load(ctx, b)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingImport, errs.KindOf(err))
}

func TestReservedSpendImportRejected(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(plugintest.ManifestYAML("forger"), plugintest.SpendImportModule())

	_, err := rt.Load(ctx, b)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidModule, errs.KindOf(err))
}

func TestAbiVersionNegotiation(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	module := plugintest.FixedModule(nil)

	// Major 2 against a host supporting 1.x: rejected outright.
	rejected := []byte("name: future\nversion: 1.0.0\nabi:\n  major: 2\n  minor: 0\n")
	_, err := rt.Load(ctx, plugintest.MustBundle(rejected, module))
	require.Error(t, err)
	assert.Equal(t, errs.KindAbiVersionMismatch, errs.KindOf(err))

	// Minor below the host's supported minor: accepted.
	accepted := []byte("name: present\nversion: 1.0.0\nabi:\n  major: 1\n  minor: 1\n")
	inst, err := rt.Load(ctx, plugintest.MustBundle(accepted, module))
	require.NoError(t, err)
	require.NoError(t, inst.Close(ctx))
}

func TestExplicitEntryPointMustExist(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	manifest := []byte("name: miswired\nversion: 1.0.0\nabi:\n  major: 1\nentry-points:\n  tick: handle_tick\n")

	_, err := rt.Load(ctx, plugintest.MustBundle(manifest, plugintest.FixedModule(nil)))
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingExport, errs.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(nil, 0)
	b := plugintest.MustBundle(plugintest.ManifestYAML("fixed"), plugintest.FixedModule(nil))

	inst, err := rt.Load(ctx, b)
	require.NoError(t, err)

	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))
	assert.Equal(t, sandbox.StateUnloaded, inst.State())
}
