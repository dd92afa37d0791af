package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/abi"
	errs "github.com/veldra/plugin-host/errors"
)

// buildHostModule instantiates the env module for this instance. Only the
// spend hook plus the functions covered by declared capabilities are
// exported, so an undeclared host call cannot exist at link time at all.
func (i *Instance) buildHostModule(ctx context.Context) error {
	b := i.runtime.NewHostModuleBuilder(abi.HostModule)

	b.NewFunctionBuilder().WithFunc(i.hostSpend).Export(abi.FuncSpend)
	if i.manifest.Has(pluginhost.CapQuery) {
		b.NewFunctionBuilder().WithFunc(i.hostQuery).Export(abi.FuncQuery)
	}
	if i.manifest.Has(pluginhost.CapLog) {
		b.NewFunctionBuilder().WithFunc(i.hostLog).Export(abi.FuncLog)
	}
	if i.manifest.Has(pluginhost.CapEmitAction) {
		b.NewFunctionBuilder().WithFunc(i.hostEmitAction).Export(abi.FuncEmitAction)
	}
	if i.manifest.Has(pluginhost.CapReadAsset) {
		b.NewFunctionBuilder().WithFunc(i.hostReadAsset).Export(abi.FuncReadAsset)
	}

	_, err := b.Instantiate(ctx)
	return err
}

// hostSpend is the accounting hook the meter injects calls to. It runs on
// the guest's goroutine; a negative balance aborts the call via panic, which
// the engine returns as an error from the invocation.
func (i *Instance) hostSpend(_ context.Context, n int32) {
	if i.budget.Add(-int64(n)) < 0 {
		i.exhausted = true
		panic(errBudgetStop)
	}
}

// abort records a structured host-side error and unwinds the guest call.
// The recorded value is what classification reports, independent of how the
// engine wraps the panic.
func (i *Instance) abort(err error) {
	i.hostErr = err
	panic(err)
}

func (i *Instance) hostQuery(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	req, err := abi.ReadBuffer(m.Memory(), ptr, length)
	if err != nil {
		i.abort(err)
	}
	if i.store == nil {
		i.abort(errs.AbiViolation(i.manifest.Name, "query capability has no backing store"))
	}
	resp, err := i.store.Query(ctx, req)
	if err != nil {
		i.abort(errs.AbiViolation(i.manifest.Name, "query failed: "+err.Error()))
	}
	return i.reply(m, resp)
}

func (i *Instance) hostLog(_ context.Context, m api.Module, ptr, length uint32) {
	msg, err := abi.ReadBuffer(m.Memory(), ptr, length)
	if err != nil {
		i.abort(err)
	}
	Logger().Info("plugin log",
		zap.String("plugin", i.manifest.Name),
		zap.String("instance", i.id),
		zap.ByteString("message", msg),
	)
}

func (i *Instance) hostEmitAction(_ context.Context, m api.Module, ptr, length uint32) {
	data, err := abi.ReadBuffer(m.Memory(), ptr, length)
	if err != nil {
		i.abort(err)
	}
	action, err := abi.DecodeAction(data)
	if err != nil {
		i.abort(err)
	}
	i.actions = append(i.actions, action)
}

func (i *Instance) hostReadAsset(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	name, err := abi.ReadBuffer(m.Memory(), ptr, length)
	if err != nil {
		i.abort(err)
	}
	if i.assets == nil {
		i.abort(errs.AbiViolation(i.manifest.Name, "read-asset capability has no asset source"))
	}
	data, err := i.assets.ReadAsset(ctx, string(name))
	if err != nil {
		i.abort(errs.AbiViolation(i.manifest.Name, "read asset: "+err.Error()))
	}
	return i.reply(m, data)
}

// reply writes a host response into the reply region and returns the packed
// pointer+length. The region is reused across host calls within one guest
// call; guests copy out what they need before calling again.
func (i *Instance) reply(m api.Module, payload []byte) uint64 {
	ptr, length, err := abi.WriteBuffer(m.Memory(), i.layout.ReplyOffset, i.layout.ReplyCapacity, payload)
	if err != nil {
		i.abort(err)
	}
	return abi.PackPtrLen(ptr, length)
}
