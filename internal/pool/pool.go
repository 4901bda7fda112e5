// Package pool implements the Instance Pool (spec.md §4.3): a module-path
// keyed cache of preinstantiated wazero compiled modules with warm reuse,
// TTL eviction, and single-flight construction.
//
// Grounded on the pack's own wazero-hosting gateway pattern
// (other_examples/...-wasm.go.go: WasmPlugin/InstancePool, compile once,
// instantiate per call).
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"github.com/edgerun/platform/internal/metrics"
)

// ErrModuleNotFound is returned when the artifact file is absent.
var ErrModuleNotFound = errors.New("module-not-found")

// LoadFailedError wraps any construction error (spec.md §4.3).
type LoadFailedError struct{ Reason string }

func (e *LoadFailedError) Error() string { return fmt.Sprintf("load-failed: %s", e.Reason) }

// Entry is a cached, preinstantiated component handle plus metadata,
// exclusively owned by the Pool (spec.md §3: "Instance pool entry"). Entries
// are reference-counted (spec.md §5: "entries themselves are arc-shared so
// an in-flight request keeps its entry alive past eviction") — Acquire hands
// out a ref the caller must release with Entry.Release once its invocation
// is done; the underlying Compiled module is only closed once an evicted
// entry's ref count reaches zero.
type Entry struct {
	ModulePath string
	Compiled   wazero.CompiledModule
	CreatedAt  time.Time
	LastUsed   time.Time

	mu      sync.Mutex
	refs    atomic.Int32
	evicted bool
}

func (e *Entry) touch() {
	e.mu.Lock()
	e.LastUsed = time.Now()
	e.mu.Unlock()
}

// acquireRef takes a reference on e, keeping its Compiled module alive even
// if the pool evicts e before the caller releases it.
func (e *Entry) acquireRef() {
	e.refs.Add(1)
}

// Release gives back a reference taken by acquireRef. Call exactly once per
// Pool.Acquire call, once the request that acquired it has finished
// invoking the guest (e.g. via defer in the dispatcher).
func (e *Entry) Release(ctx context.Context) {
	if e.refs.Add(-1) > 0 {
		return
	}
	e.mu.Lock()
	evicted := e.evicted
	e.mu.Unlock()
	if evicted {
		_ = e.Compiled.Close(ctx)
	}
}

// Config tunes eviction and AOT behavior.
type Config struct {
	CreateTTL time.Duration // default 1h
	UseTTL    time.Duration // default 10m
	AOTEnable bool
}

// Pool is the module-keyed instance cache (spec.md §4.3). Safe for
// concurrent use; acquire for a missing key is single-flighted per key.
type Pool struct {
	rt  wazero.Runtime
	cfg Config
	aot *aotCache

	mu      sync.Mutex
	entries map[string]*Entry
	sf      singleflight.Group
}

// Runtime returns the wazero.Runtime backing this Pool's compiled modules —
// every instantiation of an Entry's Compiled module must use this same
// Runtime (spec.md §4.3/§4.4; see dispatcher.Handler.invoke).
func (p *Pool) Runtime() wazero.Runtime {
	return p.rt
}

// New constructs a Pool backed by rt. Register host modules on rt before
// calling Acquire so guest instantiation can resolve its imports.
func New(rt wazero.Runtime, cfg Config) *Pool {
	if cfg.CreateTTL <= 0 {
		cfg.CreateTTL = time.Hour
	}
	if cfg.UseTTL <= 0 {
		cfg.UseTTL = 10 * time.Minute
	}
	p := &Pool{
		rt:      rt,
		cfg:     cfg,
		aot:     newAOTCache(cfg.AOTEnable),
		entries: make(map[string]*Entry),
	}
	return p
}

// Acquire returns a cached entry for modulePath, compiling (and, in the
// background, AOT-caching) it on first use. Concurrent acquires for the
// same missing key share one compile (golang.org/x/sync/singleflight). The
// returned entry carries a reference the caller must release with
// Entry.Release once done with it.
func (p *Pool) Acquire(ctx context.Context, modulePath string) (*Entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[modulePath]; ok && !p.expired(e) {
		// acquireRef happens while still holding p.mu, the same lock
		// evictExpired holds while deciding whether to close an entry it is
		// about to delete — this is what keeps an in-flight Acquire from
		// racing an eviction sweep for the same entry (spec.md §5).
		e.touch()
		e.acquireRef()
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(modulePath, func() (any, error) {
		return p.construct(ctx, modulePath)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Entry)

	p.mu.Lock()
	p.entries[modulePath] = entry
	entry.acquireRef()
	p.mu.Unlock()
	return entry, nil
}

func (p *Pool) expired(e *Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	return now.Sub(e.CreatedAt) > p.cfg.CreateTTL || now.Sub(e.LastUsed) > p.cfg.UseTTL
}

func (p *Pool) construct(ctx context.Context, modulePath string) (*Entry, error) {
	if _, err := os.Stat(modulePath); err != nil {
		if os.IsNotExist(err) {
			metrics.PoolAcquireFailuresTotal.WithLabelValues("module_not_found").Inc()
			return nil, ErrModuleNotFound
		}
		metrics.PoolAcquireFailuresTotal.WithLabelValues("load_failed").Inc()
		return nil, &LoadFailedError{Reason: err.Error()}
	}

	compiled, fromAOT, err := p.aot.Load(ctx, p.rt, modulePath)
	if err != nil {
		metrics.PoolAcquireFailuresTotal.WithLabelValues("load_failed").Inc()
		return nil, &LoadFailedError{Reason: err.Error()}
	}

	if !fromAOT {
		go p.aot.WriteSidecar(context.Background(), modulePath, compiled)
	}

	now := time.Now()
	return &Entry{
		ModulePath: modulePath,
		Compiled:   compiled,
		CreatedAt:  now,
		LastUsed:   now,
	}, nil
}

// StartEvictionLoop runs a background sweep every interval, removing
// expired entries (their Compiled modules are closed so wazero can release
// the underlying engine state).
func (p *Pool) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.evictExpired(ctx)
			}
		}
	}()
}

func (p *Pool) evictExpired(ctx context.Context) {
	p.mu.Lock()
	var closeNow []*Entry
	for k, e := range p.entries {
		if !p.expired(e) {
			continue
		}
		delete(p.entries, k)
		// Marking evicted and reading refs happens under p.mu, the same
		// lock Acquire holds while touching an entry's ref count — this is
		// what prevents a concurrent Acquire from handing out a ref to an
		// entry this sweep is about to close (spec.md §5: an in-flight
		// acquire must keep its entry alive past eviction).
		e.mu.Lock()
		e.evicted = true
		noRefs := e.refs.Load() == 0
		e.mu.Unlock()
		if noRefs {
			closeNow = append(closeNow, e)
		}
		// If a request is still holding a ref, Entry.Release closes
		// Compiled once the last ref drops instead of here.
	}
	p.mu.Unlock()

	for _, e := range closeNow {
		_ = e.Compiled.Close(ctx)
	}
}
