package hostabi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// registerKeyValue installs the land:keyvalue host module: per-module
// persistent storage for guests (get/set/delete/list-keys). The store is
// namespaced by the module key of the invocation, so a component only ever
// sees its own data. Values round-trip through the same wireEnvelope
// convention as the body host calls; get reuses the envelope's N field to
// carry the value's absolute unix-seconds expiry (0 = never).
func registerKeyValue(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("land:keyvalue")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(kvGet), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("get")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(kvSet), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("set")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(kvDelete), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("delete")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(kvListKeys), nil, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("list-keys")
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("register land:keyvalue: %w", err)
	}
	return nil
}

func kvUnavailable(h *Host) error {
	if h.KV == nil {
		return fmt.Errorf("keyvalue store not configured")
	}
	return nil
}

func kvGet(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	key := string(readGuestBytes(mod, uint32(stack[0]), uint32(stack[1])))

	env := wireEnvelope{}
	if err := kvUnavailable(h); err != nil {
		env.Error = err.Error()
	} else if value, expire, err := h.KV.Get(ctx, h.KVNamespace, key); err != nil {
		env.Error = err.Error()
	} else {
		env.Data = value
		env.N = expire
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}

func kvSet(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	key := string(readGuestBytes(mod, uint32(stack[0]), uint32(stack[1])))
	value := readGuestBytes(mod, uint32(stack[2]), uint32(stack[3]))
	expire := stack[4]

	env := wireEnvelope{}
	if err := kvUnavailable(h); err != nil {
		env.Error = err.Error()
	} else if err := h.KV.Set(ctx, h.KVNamespace, key, value, expire); err != nil {
		env.Error = err.Error()
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}

func kvDelete(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	key := string(readGuestBytes(mod, uint32(stack[0]), uint32(stack[1])))

	env := wireEnvelope{}
	if err := kvUnavailable(h); err != nil {
		env.Error = err.Error()
	} else if err := h.KV.Delete(ctx, h.KVNamespace, key); err != nil {
		env.Error = err.Error()
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}

func kvListKeys(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)

	env := wireEnvelope{}
	if err := kvUnavailable(h); err != nil {
		env.Error = err.Error()
	} else if keys, err := h.KV.Keys(ctx, h.KVNamespace); err != nil {
		env.Error = err.Error()
	} else {
		env.Data, _ = json.Marshal(keys)
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}
