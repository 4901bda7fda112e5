package hostabi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/edgerun/platform/internal/abi"
	"github.com/edgerun/platform/internal/hostctx"
	"github.com/edgerun/platform/internal/keyvalue"
)

// Host bridges one invocation's hostctx.Context and the process-global
// Fetcher into the land:http/body and land:http/fetching host modules. The
// same two host modules are registered once, process-wide, on the shared
// wazero.Runtime (host functions cannot be re-registered per request); each
// invocation instead attaches its own *Host to the context it calls the
// guest export with, and the host functions recover it via FromContext.
// This mirrors the Host Context's single-invocation ownership (spec.md
// §4.1) without requiring a new wazero.Runtime per request.
type Host struct {
	Ctx     *hostctx.Context
	Fetcher *Fetcher

	// KV backs the land:keyvalue host module, namespaced by KVNamespace
	// (the invocation's module key). Nil when the worker runs without a
	// key-value store; guests then receive a typed error per call.
	KV          keyvalue.Store
	KVNamespace string
}

type hostKey struct{}

// WithHost attaches h to ctx for the duration of one guest invocation.
func WithHost(ctx context.Context, h *Host) context.Context {
	return context.WithValue(ctx, hostKey{}, h)
}

// FromContext recovers the Host attached by WithHost. Panics if absent —
// every guest export is always invoked through WithHost by the dispatcher.
func FromContext(ctx context.Context) *Host {
	h, ok := ctx.Value(hostKey{}).(*Host)
	if !ok {
		panic("hostabi: no Host in context — guest called without WithHost")
	}
	return h
}

// wireEnvelope is the JSON shape written into guest memory for every
// body/fetching host call — a practical simplification of the component
// model's typed record/variant encoding. See SPEC_FULL.md §4.2 and
// DESIGN.md for why JSON-over-shared-memory stands in for wire-exact
// component ABI bytes in this reimplementation.
type wireEnvelope struct {
	Data  []byte `json:"data,omitempty"`
	EOF   bool   `json:"eof,omitempty"`
	N     uint64 `json:"n,omitempty"`
	Error string `json:"error,omitempty"`
}

// RegisterHostModules installs the land:http/body, land:http/fetching,
// land:asyncio, and land:keyvalue host modules on rt. Call once per process
// before instantiating any guest.
func RegisterHostModules(ctx context.Context, rt wazero.Runtime) error {
	bodyBuilder := rt.NewHostModuleBuilder("land:http/body")
	bodyBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(bodyRead), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("read")
	bodyBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(bodyReadAll), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("read-all")
	bodyBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(bodyWrite), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("write")
	bodyBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(bodyNew), nil, []api.ValueType{api.ValueTypeI32}).
		Export("new")
	bodyBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(bodyNewStream), nil, []api.ValueType{api.ValueTypeI32}).
		Export("new-stream")
	if _, err := bodyBuilder.Instantiate(ctx); err != nil {
		return fmt.Errorf("register land:http/body: %w", err)
	}

	fetchBuilder := rt.NewHostModuleBuilder("land:http/fetching")
	fetchBuilder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(sendRequest), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("send-request")
	if _, err := fetchBuilder.Instantiate(ctx); err != nil {
		return fmt.Errorf("register land:http/fetching: %w", err)
	}

	if err := registerAsyncio(ctx, rt); err != nil {
		return err
	}
	return registerKeyValue(ctx, rt)
}

// WriteJSON marshals v, allocates room for it in mod's guest memory via the
// module's exported allocate function, and writes it there. Used by the
// dispatcher to pass the inbound abi.Request to handle-request and to read
// back the abi.Response it returns, reusing the same allocate/memory-write
// convention the body/fetching host calls use.
func WriteJSON(ctx context.Context, mod api.Module, v any) (uint32, uint32, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return 0, 0, err
	}
	ptr, err := guestAllocate(ctx, mod, len(buf))
	if err != nil {
		return 0, 0, err
	}
	if len(buf) > 0 && !mod.Memory().Write(ptr, buf) {
		return 0, 0, fmt.Errorf("hostabi: failed writing %d bytes at %#x", len(buf), ptr)
	}
	return ptr, uint32(len(buf)), nil
}

// ReadJSON reads n bytes at ptr from mod's guest memory and unmarshals them
// into out.
func ReadJSON(mod api.Module, ptr, n uint32, out any) error {
	buf := readGuestBytes(mod, ptr, n)
	if len(buf) == 0 {
		return fmt.Errorf("hostabi: empty guest response")
	}
	return json.Unmarshal(buf, out)
}

func guestAllocate(ctx context.Context, mod api.Module, n int) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	fn := mod.ExportedFunction("allocate")
	if fn == nil {
		return 0, fmt.Errorf("guest module has no allocate export")
	}
	res, err := fn.Call(ctx, uint64(n))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

func writeEnvelope(ctx context.Context, mod api.Module, env wireEnvelope) (uint32, uint32) {
	buf, _ := json.Marshal(env)
	ptr, err := guestAllocate(ctx, mod, len(buf))
	if err != nil || ptr == 0 {
		return 0, 0
	}
	if !mod.Memory().Write(ptr, buf) {
		return 0, 0
	}
	return ptr, uint32(len(buf))
}

func readGuestBytes(mod api.Module, ptr, n uint32) []byte {
	if n == 0 {
		return nil
	}
	b, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func bodyRead(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	handle := uint32(stack[0])
	size := int(uint32(stack[1]))
	data, eof, err := h.Ctx.Read(handle, size)
	env := wireEnvelope{Data: data, EOF: eof}
	if err != nil {
		env = wireEnvelope{Error: err.Error()}
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}

func bodyReadAll(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	handle := uint32(stack[0])
	data, err := h.Ctx.ReadAll(handle)
	env := wireEnvelope{Data: data, EOF: true}
	if err != nil {
		env = wireEnvelope{Error: err.Error()}
	}
	ptr, n := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(ptr), uint64(n)
}

func bodyWrite(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	handle := uint32(stack[0])
	ptr := uint32(stack[1])
	length := uint32(stack[2])
	data := readGuestBytes(mod, ptr, length)
	n, err := h.Ctx.Write(handle, data)
	env := wireEnvelope{N: n}
	if err != nil {
		env = wireEnvelope{Error: err.Error()}
	}
	outPtr, outLen := writeEnvelope(ctx, mod, env)
	stack[0], stack[1] = uint64(outPtr), uint64(outLen)
}

func bodyNew(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	stack[0] = uint64(h.Ctx.NewEmptyBody())
}

func bodyNewStream(ctx context.Context, _ api.Module, stack []uint64) {
	h := FromContext(ctx)
	stack[0] = uint64(h.Ctx.NewWritableStream())
}

func sendRequest(ctx context.Context, mod api.Module, stack []uint64) {
	h := FromContext(ctx)
	ptr := uint32(stack[0])
	length := uint32(stack[1])
	raw := readGuestBytes(mod, ptr, length)

	var wire struct {
		Request abi.Request
		Body    []byte
		Options abi.RequestOptions
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		outPtr, outLen := writeEnvelope(ctx, mod, wireEnvelope{Error: "invalid-request: " + err.Error()})
		stack[0], stack[1] = uint64(outPtr), uint64(outLen)
		return
	}

	if h.Fetcher == nil {
		outPtr, outLen := writeEnvelope(ctx, mod, wireEnvelope{Error: "invalid-request: outbound fetch not configured"})
		stack[0], stack[1] = uint64(outPtr), uint64(outLen)
		return
	}

	resp, err := h.Fetcher.Send(ctx, h.Ctx, wire.Request, wire.Body, wire.Options)
	if err != nil {
		outPtr, outLen := writeEnvelope(ctx, mod, wireEnvelope{Error: err.Error()})
		stack[0], stack[1] = uint64(outPtr), uint64(outLen)
		return
	}

	respJSON, _ := json.Marshal(resp)
	outPtr, outLen := writeEnvelope(ctx, mod, wireEnvelope{Data: respJSON})
	stack[0], stack[1] = uint64(outPtr), uint64(outLen)
}
