package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

// emptyWasmModule is the minimal valid WebAssembly binary: the 8-byte
// magic+version header with no sections. wazero compiles it successfully,
// which is all these tests need — they exercise the Pool's caching,
// single-flight, and eviction bookkeeping, not guest execution.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeModule(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, emptyWasmModule, 0o644))
	return path
}

func newTestRuntime(t *testing.T) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func TestAcquire_ModuleNotFound(t *testing.T) {
	p := New(newTestRuntime(t), Config{})
	_, err := p.Acquire(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"))
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestAcquire_CachesAndReuses(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{})

	e1, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e1.Release(context.Background())

	e2, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e2.Release(context.Background())

	require.Same(t, e1, e2, "second acquire of a warm key must reuse the cached entry")
}

func TestAcquire_SingleFlightsConcurrentMisses(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{})

	const n = 16
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			e, err := p.Acquire(context.Background(), path)
			require.NoError(t, err)
			entries[i] = e
		}()
	}
	wg.Wait()

	for _, e := range entries {
		require.Same(t, entries[0], e, "concurrent acquires for the same missing key must share one construction")
		e.Release(context.Background())
	}
}

func TestAcquire_DifferentKeysProceedIndependently(t *testing.T) {
	dir := t.TempDir()
	pathA := writeModule(t, dir, "a.wasm")
	pathB := writeModule(t, dir, "b.wasm")
	p := New(newTestRuntime(t), Config{})

	eA, err := p.Acquire(context.Background(), pathA)
	require.NoError(t, err)
	eB, err := p.Acquire(context.Background(), pathB)
	require.NoError(t, err)

	require.NotSame(t, eA, eB)
	eA.Release(context.Background())
	eB.Release(context.Background())
}

func TestExpired_CreateTTLAndUseTTL(t *testing.T) {
	p := New(newTestRuntime(t), Config{CreateTTL: time.Hour, UseTTL: time.Hour})
	e := &Entry{CreatedAt: time.Now(), LastUsed: time.Now()}
	require.False(t, p.expired(e))

	stale := &Entry{CreatedAt: time.Now().Add(-2 * time.Hour), LastUsed: time.Now()}
	require.True(t, p.expired(stale), "entry older than CreateTTL must be expired regardless of recent use")

	idle := &Entry{CreatedAt: time.Now(), LastUsed: time.Now().Add(-2 * time.Hour)}
	require.True(t, p.expired(idle), "entry idle past UseTTL must be expired regardless of recent creation")
}

func TestEviction_RecreatesOnNextAcquire(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{CreateTTL: time.Millisecond, UseTTL: time.Hour})

	e1, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e1.Release(context.Background())

	time.Sleep(5 * time.Millisecond)
	p.evictExpired(context.Background())

	e2, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e2.Release(context.Background())

	require.NotSame(t, e1, e2, "acquire after eviction must recreate the entry")
}

// TestEviction_KeepsEntryAliveUntilLastRefReleased is the direct test for
// spec.md §5's "entries themselves are arc-shared so an in-flight request
// keeps its entry alive past eviction": an entry held by an in-flight
// Acquire must not have its Compiled module closed out from under it by a
// concurrent eviction sweep.
func TestEviction_KeepsEntryAliveUntilLastRefReleased(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{CreateTTL: time.Millisecond, UseTTL: time.Hour})

	held, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p.evictExpired(context.Background())

	// The compiled module must still be usable — Close hasn't happened yet
	// because held's ref count is still 1.
	require.NotPanics(t, func() {
		_ = held.Compiled.ImportedFunctions()
	})

	held.Release(context.Background())
	// No observable post-condition beyond "did not panic": Release only
	// closes Compiled once the last ref drops, which just happened here.
}

func TestConstruct_NonNotExistStatError(t *testing.T) {
	dir := t.TempDir()
	// A directory, not a file: os.Stat succeeds but ReadFile inside aotCache.Load fails.
	p := New(newTestRuntime(t), Config{})
	_, err := p.Acquire(context.Background(), dir)
	require.Error(t, err)
	var lf *LoadFailedError
	require.ErrorAs(t, err, &lf)
}

func TestRelease_DoubleReleaseDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{})

	e, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e.Release(context.Background())
	// Entry was never evicted, so an extra release (refs going negative)
	// must not attempt to close an already-live module a second time in a
	// way that panics.
	require.NotPanics(t, func() { e.Release(context.Background()) })
}

func TestAcquire_AOTSidecarWrittenInBackground(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	p := New(newTestRuntime(t), Config{AOTEnable: true})

	e, err := p.Acquire(context.Background(), path)
	require.NoError(t, err)
	e.Release(context.Background())

	var found int32
	for i := 0; i < 50; i++ {
		if _, statErr := os.Stat(sidecarPath(path)); statErr == nil {
			atomic.StoreInt32(&found, 1)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&found), "background WriteSidecar should eventually create the .aot file")
}

func TestAcquire_RejectsMismatchedSidecarVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "mod.wasm")
	// A sidecar with a bogus header (wrong version tag / length) must not
	// cause the AOT path to be taken; aotCache.Load falls back to compiling
	// from source either way, but readSidecarHeader must report !ok.
	require.NoError(t, os.WriteFile(sidecarPath(path), []byte("not a real header"), 0o644))

	a := newAOTCache(true)
	_, ok := a.readSidecarHeader(path, emptyWasmModule)
	require.False(t, ok)
}

func TestErrors_Unwrap(t *testing.T) {
	var target *LoadFailedError
	err := error(&LoadFailedError{Reason: "boom"})
	require.True(t, errors.As(err, &target))
	require.Contains(t, target.Error(), "boom")
}
