package sandbox

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/abi"
	"github.com/veldra/plugin-host/bundle"
	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/meter"
)

// Config holds instantiation policy for new instances. All limits are
// explicit, tunable inputs; nothing here is hard-coded at call sites.
type Config struct {
	// MemoryLimitPages caps each instance's linear memory in 64KiB pages.
	// 0 means the wazero default (65536 pages = 4GB).
	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`

	// InstructionBudget is the number of accounted instructions an instance
	// may execute per hook invocation before the call is aborted.
	InstructionBudget int64 `koanf:"instruction_budget"`

	// Layout places the conventional inbound and reply regions.
	Layout abi.Layout `koanf:"layout"`
}

// DefaultConfig returns a policy suitable for small simulation plugins:
// 16MiB of memory and ten million instructions per call.
func DefaultConfig() Config {
	return Config{
		MemoryLimitPages:  256,
		InstructionBudget: 10_000_000,
		Layout:            abi.DefaultLayout(),
	}
}

// Runtime compiles bundles into running instances. Each instance gets its
// own wazero runtime so no linear memory, compiled code or host module is
// ever shared across trust boundaries.
type Runtime struct {
	cfg    Config
	store  pluginhost.Store
	assets pluginhost.AssetSource
}

// New creates a sandbox runtime. store backs capability-gated query calls
// and may be nil when no plugin declares the query capability; assets backs
// read-asset the same way.
func New(cfg Config, store pluginhost.Store, assets pluginhost.AssetSource) *Runtime {
	if cfg.InstructionBudget <= 0 {
		cfg.InstructionBudget = DefaultConfig().InstructionBudget
	}
	if cfg.Layout == (abi.Layout{}) {
		cfg.Layout = abi.DefaultLayout()
	}
	return &Runtime{cfg: cfg, store: store, assets: assets}
}

// Load takes a validated bundle through compile, link and init-call,
// returning an instance ready for dispatch. On any failure nothing is
// registered and all partially created resources are released.
func (r *Runtime) Load(ctx context.Context, b *bundle.Bundle) (*Instance, error) {
	manifest := b.Manifest

	if !abi.Supported.Accepts(manifest.ABI) {
		return nil, errs.AbiVersionMismatch(manifest.ABI.String(), abi.Supported.String())
	}

	instrumented, err := meter.Instrument(b.Module, meter.Options{
		HostModule: abi.HostModule,
		SpendName:  abi.FuncSpend,
	})
	if err != nil {
		return nil, err
	}

	rtCfg := wazero.NewRuntimeConfig()
	if r.cfg.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(r.cfg.MemoryLimitPages)
	}
	wrt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	inst := &Instance{
		id:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		manifest:  manifest,
		runtime:   wrt,
		layout:    r.cfg.Layout,
		maxBudget: r.cfg.InstructionBudget,
		store:     r.store,
		assets:    r.assets,
		state:     StateUnloaded,
		tick:      ^uint64(0), // off any real tick, so the first dispatch arms a fresh budget
	}
	inst.budget.Store(r.cfg.InstructionBudget)

	if err := inst.compileAndLink(ctx, instrumented); err != nil {
		_ = wrt.Close(ctx)
		return nil, err
	}

	Logger().Info("plugin instance loaded",
		zap.String("plugin", manifest.Name),
		zap.String("instance", inst.id),
		zap.String("version", manifest.Version),
		zap.String("abi", manifest.ABI.String()),
	)
	return inst, nil
}

// verifyImports rejects modules whose imports reach outside the host ABI or
// outside the manifest's declared capability ceiling. This runs against the
// compiled module before any host function is linked, so an undeclared call
// can never exist even as an unreachable stub.
func verifyImports(compiled wazero.CompiledModule, manifest *bundle.Manifest) error {
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != abi.HostModule {
			return errs.MissingImport(manifest.Name, module, name)
		}
		if name == abi.FuncSpend {
			continue
		}
		capability, known := abi.CapabilityForFunc[name]
		if !known {
			return errs.MissingImport(manifest.Name, module, name)
		}
		if !manifest.Has(capability) {
			return errs.CapabilityMismatch(manifest.Name, name)
		}
	}
	return nil
}
