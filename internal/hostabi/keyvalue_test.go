package hostabi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/edgerun/platform/internal/hostctx"
	"github.com/edgerun/platform/internal/keyvalue"
)

// kvFixtureModule is a hand-assembled guest exporting only what the
// envelope plumbing needs: a memory and an allocate that hands out a fixed
// scratch offset. Enough to drive the land:keyvalue host functions against
// real guest memory without a guest-language compiler.
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "allocate") (param i32) (result i32) i32.const 1024))
var kvFixtureModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // header
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f, // type: (i32)->(i32)
	0x03, 0x02, 0x01, 0x00, // function
	0x05, 0x03, 0x01, 0x00, 0x01, // memory: min 1 page
	0x07, 0x15, 0x02, // exports
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 'a', 'l', 'l', 'o', 'c', 'a', 't', 'e', 0x00, 0x00,
	0x0a, 0x07, 0x01, 0x05, 0x00, 0x41, 0x80, 0x08, 0x0b, // code: i32.const 1024
}

func kvTestModule(t *testing.T) (context.Context, api.Module, *keyvalue.MemoryStore) {
	t.Helper()
	base := context.Background()
	rt := wazero.NewRuntime(base)
	t.Cleanup(func() { _ = rt.Close(base) })

	mod, err := rt.Instantiate(base, kvFixtureModule)
	require.NoError(t, err)

	kv := keyvalue.NewMemoryStore()
	ctx := WithHost(base, &Host{Ctx: hostctx.New(), KV: kv, KVNamespace: "/data/modules/app.wasm"})
	return ctx, mod, kv
}

// writeGuestString places s at a fixed offset in mod's memory and returns
// (ptr, len) for the host-call stack.
func writeGuestString(t *testing.T, mod api.Module, offset uint32, s string) (uint64, uint64) {
	t.Helper()
	require.True(t, mod.Memory().Write(offset, []byte(s)))
	return uint64(offset), uint64(len(s))
}

func readEnvelope(t *testing.T, mod api.Module, stack []uint64) wireEnvelope {
	t.Helper()
	buf, ok := mod.Memory().Read(uint32(stack[0]), uint32(stack[1]))
	require.True(t, ok)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(buf, &env))
	return env
}

func TestKVSetThenGetRoundTripsThroughGuestMemory(t *testing.T) {
	ctx, mod, _ := kvTestModule(t)

	keyPtr, keyLen := writeGuestString(t, mod, 16, "greeting")
	valPtr, valLen := writeGuestString(t, mod, 128, "hello")

	stack := []uint64{keyPtr, keyLen, valPtr, valLen, 0}
	kvSet(ctx, mod, stack)
	env := readEnvelope(t, mod, stack)
	assert.Empty(t, env.Error)

	keyPtr, keyLen = writeGuestString(t, mod, 16, "greeting")
	stack = []uint64{keyPtr, keyLen}
	kvGet(ctx, mod, stack)
	env = readEnvelope(t, mod, stack)
	assert.Empty(t, env.Error)
	assert.Equal(t, "hello", string(env.Data))
}

func TestKVGetMissingKeyReturnsTypedError(t *testing.T) {
	ctx, mod, _ := kvTestModule(t)

	keyPtr, keyLen := writeGuestString(t, mod, 16, "absent")
	stack := []uint64{keyPtr, keyLen}
	kvGet(ctx, mod, stack)
	env := readEnvelope(t, mod, stack)
	assert.Equal(t, keyvalue.ErrKeyNotFound.Error(), env.Error)
}

func TestKVDeleteAndListKeys(t *testing.T) {
	ctx, mod, kv := kvTestModule(t)
	require.NoError(t, kv.Set(ctx, "/data/modules/app.wasm", "one", []byte("1"), 0))
	require.NoError(t, kv.Set(ctx, "/data/modules/app.wasm", "two", []byte("2"), 0))

	keyPtr, keyLen := writeGuestString(t, mod, 16, "one")
	stack := []uint64{keyPtr, keyLen}
	kvDelete(ctx, mod, stack)
	env := readEnvelope(t, mod, stack)
	assert.Empty(t, env.Error)

	stack = []uint64{0, 0}
	kvListKeys(ctx, mod, stack)
	env = readEnvelope(t, mod, stack)
	assert.Empty(t, env.Error)
	var keys []string
	require.NoError(t, json.Unmarshal(env.Data, &keys))
	assert.Equal(t, []string{"two"}, keys)
}

func TestKVWithoutStoreConfiguredReturnsError(t *testing.T) {
	base := context.Background()
	rt := wazero.NewRuntime(base)
	t.Cleanup(func() { _ = rt.Close(base) })
	mod, err := rt.Instantiate(base, kvFixtureModule)
	require.NoError(t, err)

	ctx := WithHost(base, &Host{Ctx: hostctx.New()})
	keyPtr, keyLen := writeGuestString(t, mod, 16, "k")
	stack := []uint64{keyPtr, keyLen}
	kvGet(ctx, mod, stack)
	env := readEnvelope(t, mod, stack)
	assert.Contains(t, env.Error, "not configured")
}
