// Package dispatcher implements the Request Dispatcher (spec.md §4.4): the
// HTTP front end that resolves an inbound request to a module key, acquires
// a pooled instance, and runs one guest invocation per request.
package dispatcher

import (
	"os"
	"sync"

	"github.com/goccy/go-yaml"
)

// route is one entry of the Traefik-style routing file the Worker Agent
// writes per domain (spec.md §4.5 step 2, §6).
type route struct {
	Domain     string `yaml:"domain"`
	ModulePath string `yaml:"modulePath"`
}

type routingFile struct {
	Routes []route `yaml:"routes"`
}

// RoutingTable resolves a Host header to a module key. It is reloaded from
// disk by the worker agent whenever a domain's routing file is (re)written;
// the dispatcher only ever reads the in-memory snapshot.
type RoutingTable struct {
	mu    sync.RWMutex
	byHost map[string]string
}

// NewRoutingTable returns an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{byHost: make(map[string]string)}
}

// Lookup returns the module path bound to host, if any.
func (t *RoutingTable) Lookup(host string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byHost[host]
	return p, ok
}

// Set binds host to modulePath, overwriting any existing binding. Called by
// the worker agent after a successful per-item convergence (spec.md §4.5).
func (t *RoutingTable) Set(host, modulePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHost[host] = modulePath
}

// Delete removes a host's binding, if present.
func (t *RoutingTable) Delete(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byHost, host)
}

// LoadFile reads a single routing file written by the worker agent and
// merges its entries into the table. Used at startup to recover routing
// state already on disk from a prior process lifetime.
func (t *RoutingTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rf routingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rf.Routes {
		t.byHost[r.Domain] = r.ModulePath
	}
	return nil
}

// WriteFile atomically (re)writes a single-domain routing file at path,
// matching the Traefik-style YAML shape the worker agent produces.
func WriteFile(path, domain, modulePath string) error {
	rf := routingFile{Routes: []route{{Domain: domain, ModulePath: modulePath}}}
	data, err := yaml.Marshal(rf)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
