package hostabi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// registerAsyncio installs the land:asyncio host module: the guest-visible
// face of the Host Context's async-timer table (spec.md §4.1). Handles are
// allocated from the same monotonic counter as body handles, so 0 is never
// a valid timer handle and doubles as select's "none ready" sentinel.
func registerAsyncio(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("land:asyncio")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(asyncioNew), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).
		Export("new")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(asyncioReady), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("ready")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(asyncioSelect), nil, []api.ValueType{api.ValueTypeI32}).
		Export("select")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(asyncioCancel), []api.ValueType{api.ValueTypeI32}, nil).
		Export("cancel")
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("register land:asyncio: %w", err)
	}
	return nil
}

func asyncioNew(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	ns := int64(stack[0])
	stack[0] = uint64(h.Ctx.NewTimer(ns))
}

func asyncioReady(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	handle := uint32(stack[0])
	if h.Ctx.IsReady(handle) {
		stack[0] = 1
	} else {
		stack[0] = 0
	}
}

func asyncioSelect(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	handle, ok := h.Ctx.SelectReady()
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = uint64(handle)
}

func asyncioCancel(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	h.Ctx.CancelTimer(uint32(stack[0]))
}
