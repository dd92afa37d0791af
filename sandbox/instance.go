package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/abi"
	"github.com/veldra/plugin-host/bundle"
	errs "github.com/veldra/plugin-host/errors"
)

// errBudgetStop is the panic value the spend hook uses to abort the
// in-flight call. Classification never relies on it surviving the engine's
// recover path; the exhausted flag is authoritative.
var errBudgetStop = errors.New("instruction budget exhausted")

// Instance is one running sandbox: a private wazero runtime, a private
// linear memory, an instruction budget, and a lifecycle state. Instances are
// mutated only by the runtime and the governor; dispatch happens on a single
// goroutine per instance.
type Instance struct {
	id       string
	manifest *bundle.Manifest
	runtime  wazero.Runtime
	module   api.Module
	hooks    map[string]api.Function
	layout   abi.Layout
	store    pluginhost.Store
	assets   pluginhost.AssetSource

	mu            sync.Mutex
	state         State
	lastErr       error
	suspendedTick uint64

	// budget is atomic because monitoring goroutines read it while the
	// guest is spending it. It is cumulative within a tick and re-arms
	// when the tick advances.
	budget atomic.Int64

	// Call-scoped bookkeeping, touched only on the dispatching goroutine
	// and inside host functions running on that same goroutine.
	maxBudget int64
	exhausted bool
	hostErr   error
	actions   []pluginhost.Action
	tick      uint64
}

// ID returns the instance id, unique for the process lifetime.
func (i *Instance) ID() string {
	return i.id
}

// Plugin returns the manifest name.
func (i *Instance) Plugin() string {
	return i.manifest.Name
}

// Manifest returns the immutable manifest this instance was loaded from.
func (i *Instance) Manifest() *bundle.Manifest {
	return i.manifest
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastError returns the most recent contained error, if any. The value is
// retained for diagnostics after suspension or fault.
func (i *Instance) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// MemoryBytes returns the current size of the instance's linear memory.
func (i *Instance) MemoryBytes() uint64 {
	i.mu.Lock()
	m := i.module
	i.mu.Unlock()
	if m == nil {
		return 0
	}
	return uint64(m.Memory().Size())
}

// BudgetRemaining reports what is left of the current tick's instruction
// budget.
func (i *Instance) BudgetRemaining() int64 {
	return i.budget.Load()
}

// Diagnostics is a point-in-time operator view of one instance.
type Diagnostics struct {
	Plugin          string
	Instance        string
	State           State
	MemoryBytes     uint64
	BudgetRemaining int64
	LastError       error
}

// Diagnostics snapshots the instance for monitoring surfaces.
func (i *Instance) Diagnostics() Diagnostics {
	i.mu.Lock()
	state, lastErr := i.state, i.lastErr
	i.mu.Unlock()
	return Diagnostics{
		Plugin:          i.manifest.Name,
		Instance:        i.id,
		State:           state,
		MemoryBytes:     i.MemoryBytes(),
		BudgetRemaining: i.budget.Load(),
		LastError:       lastErr,
	}
}

func (i *Instance) compileAndLink(ctx context.Context, instrumented []byte) error {
	compiled, err := i.runtime.CompileModule(ctx, instrumented)
	if err != nil {
		return errs.InvalidModule("module does not compile", err)
	}
	if err := i.transition(StateCompiled); err != nil {
		return err
	}

	if err := verifyImports(compiled, i.manifest); err != nil {
		return err
	}
	if err := i.verifyEntryPoints(compiled); err != nil {
		return err
	}

	if err := i.buildHostModule(ctx); err != nil {
		return errs.InvalidModule("host module instantiation failed", err)
	}

	module, err := i.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(i.manifest.Name).WithStartFunctions())
	if err != nil {
		return errs.Trap(i.manifest.Name, err)
	}
	i.module = module

	i.hooks = make(map[string]api.Function, 4)
	for _, hook := range []string{abi.HookLoad, abi.HookUnload, abi.HookTick, abi.HookEvent} {
		name, err := i.manifest.Hook(hook)
		if err != nil {
			return errs.Internal("hook table: %v", err)
		}
		if fn := module.ExportedFunction(name); fn != nil {
			i.hooks[hook] = fn
		}
	}

	if err := i.callLifecycle(ctx, abi.HookLoad); err != nil {
		return err
	}
	return i.transition(StateInstantiated)
}

// verifyEntryPoints checks that every entry point the manifest explicitly
// names is actually exported. Defaulted hooks are allowed to be absent; the
// instance simply never receives those calls.
func (i *Instance) verifyEntryPoints(compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()
	for _, name := range []string{i.manifest.Entry.Load, i.manifest.Entry.Unload, i.manifest.Entry.Tick, i.manifest.Entry.Event} {
		if name == "" {
			continue
		}
		if _, ok := exports[name]; !ok {
			return errs.MissingExport(i.manifest.Name, name)
		}
	}
	return nil
}

// Deliver serializes the event into the inbound region, invokes the
// matching hook, and returns the actions the call produced. The batch from
// a call that exhausted its budget or trapped is discarded whole.
//
// The instruction budget is cumulative per tick: every invocation within
// one tick draws from the same pool, and an instance suspended mid-tick
// sits out the tick's remaining events without a call.
func (i *Instance) Deliver(ctx context.Context, ev pluginhost.Event) (*pluginhost.ActionBatch, error) {
	if i.sitsOut(ev.Tick) {
		return nil, nil
	}
	if err := i.enterRunning(); err != nil {
		return nil, err
	}

	hookName := abi.HookEvent
	if ev.Type == pluginhost.EventTick {
		hookName = abi.HookTick
	}
	fn := i.hooks[hookName]
	if fn == nil {
		return nil, nil
	}

	i.armCall(ev.Tick)

	payload, err := abi.EncodeEvent(ev)
	if err != nil {
		return nil, i.fault(err)
	}
	mem := i.module.Memory()
	ptr, length, err := abi.WriteBuffer(mem, i.layout.InboundOffset, i.layout.InboundCapacity, payload)
	if err != nil {
		return nil, i.fault(err)
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return nil, i.containCallError(err)
	}

	batch := &pluginhost.ActionBatch{
		Instance: i.id,
		Plugin:   i.manifest.Name,
		Tick:     ev.Tick,
		Actions:  i.actions,
	}

	if len(results) > 0 && results[0] != 0 {
		replyPtr, replyLen := abi.UnpackPtrLen(results[0])
		data, err := abi.ReadBuffer(mem, replyPtr, replyLen)
		if err != nil {
			return nil, i.fault(err)
		}
		returned, err := abi.DecodeActions(data)
		if err != nil {
			return nil, i.fault(err)
		}
		batch.Actions = append(batch.Actions, returned...)
	}

	return batch, nil
}

// ForceFault is the governor's demotion path: the instance is marked
// faulted, excluded from future dispatch, and its record retained for
// diagnostics until explicit unload.
func (i *Instance) ForceFault(err error) {
	i.mu.Lock()
	if i.state == StateFaulted || i.state == StateUnloaded {
		i.mu.Unlock()
		return
	}
	i.state = StateFaulted
	i.lastErr = err
	i.mu.Unlock()

	i.discard()
	Logger().Warn("plugin instance faulted by governor",
		zap.String("plugin", i.manifest.Name),
		zap.String("instance", i.id),
		zap.Error(err),
	)
}

// discard releases a faulted instance's memory and budget state. The
// diagnostics record (state, last error) survives until explicit unload.
func (i *Instance) discard() {
	i.mu.Lock()
	i.module = nil
	i.hooks = nil
	i.mu.Unlock()
	i.budget.Store(0)
	_ = i.runtime.Close(context.Background())
}

// Suspend marks the instance suspended without aborting anything; the
// governor uses it when a completed call exceeded a soft threshold. The
// instance sits out the rest of the current tick and re-enters on the next
// one with a fresh budget.
func (i *Instance) Suspend(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return
	}
	i.state = StateSuspended
	i.lastErr = err
	i.suspendedTick = i.tick
}

// Close runs the unload hook when the instance is still healthy and
// releases the underlying runtime. Closing is idempotent.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	state := i.state
	if state == StateUnloaded {
		i.mu.Unlock()
		return nil
	}
	i.state = StateUnloaded
	i.mu.Unlock()

	if state == StateRunning || state == StateSuspended || state == StateInstantiated {
		if err := i.callLifecycle(ctx, abi.HookUnload); err != nil {
			Logger().Debug("unload hook failed",
				zap.String("plugin", i.manifest.Name),
				zap.Error(err),
			)
		}
	}
	return i.runtime.Close(ctx)
}

// sitsOut reports whether the instance was suspended within the given tick
// and therefore receives none of its remaining events. The next tick
// re-enters normally.
func (i *Instance) sitsOut(tick uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == StateSuspended && i.suspendedTick == tick
}

// enterRunning performs the pre-dispatch state checks. First dispatch moves
// Instantiated to Running; a suspended instance restarts its next invocation
// fresh, never mid-instruction.
func (i *Instance) enterRunning() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case StateInstantiated, StateSuspended:
		if err := checkTransition(i.state, StateRunning); err != nil {
			return err
		}
		i.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return errs.Internal("dispatch to %s instance %s", i.state, i.id)
	}
}

func (i *Instance) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := checkTransition(i.state, to); err != nil {
		return err
	}
	i.state = to
	return nil
}

// armCall clears call-scoped state and, when the tick has advanced, re-arms
// the instruction budget. Within one tick the budget never replenishes, so
// a plugin subscribed to many events still gets one budget per tick.
func (i *Instance) armCall(tick uint64) {
	if tick != i.tick {
		i.budget.Store(i.maxBudget)
		i.tick = tick
	}
	i.exhausted = false
	i.hostErr = nil
	i.actions = nil
}

// callLifecycle invokes a no-argument hook. Load and unload run outside
// tick accounting, each under a full budget of its own.
func (i *Instance) callLifecycle(ctx context.Context, hook string) error {
	fn := i.hooks[hook]
	if fn == nil {
		return nil
	}
	i.budget.Store(i.maxBudget)
	i.exhausted = false
	i.hostErr = nil
	i.actions = nil
	if _, err := fn.Call(ctx); err != nil {
		return i.classify(err)
	}
	return nil
}

// containCallError converts an aborted call into the contained outcome:
// budget exhaustion suspends with memory preserved for inspection, anything
// else faults the instance. Either way the tick goes on for everyone else.
func (i *Instance) containCallError(err error) error {
	if i.exhausted {
		werr := errs.BudgetExhausted(i.manifest.Name)
		i.mu.Lock()
		i.state = StateSuspended
		i.lastErr = werr
		i.suspendedTick = i.tick
		i.mu.Unlock()
		Logger().Warn("plugin call aborted on budget",
			zap.String("plugin", i.manifest.Name),
			zap.String("instance", i.id),
		)
		return werr
	}
	return i.fault(i.classify(err))
}

func (i *Instance) fault(err error) error {
	i.mu.Lock()
	i.state = StateFaulted
	i.lastErr = err
	i.mu.Unlock()
	i.discard()
	Logger().Warn("plugin instance faulted",
		zap.String("plugin", i.manifest.Name),
		zap.String("instance", i.id),
		zap.Error(err),
	)
	return err
}

// classify maps an engine-level call error onto the taxonomy. The host
// error slot takes precedence because a panic value does not reliably
// survive the engine's recover path.
func (i *Instance) classify(err error) error {
	if i.exhausted {
		return errs.BudgetExhausted(i.manifest.Name)
	}
	if i.hostErr != nil {
		return i.hostErr
	}
	var structured *errs.Error
	if errors.As(err, &structured) {
		return structured
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return errs.Trap(i.manifest.Name, exit)
	}
	return errs.Trap(i.manifest.Name, err)
}
