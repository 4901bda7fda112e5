package agent

import (
	"context"
	"crypto/md5" //nolint:gosec // content-integrity check against a server-supplied digest, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edgerun/platform/internal/deployitem"
	"github.com/edgerun/platform/internal/dispatcher"
)

// DeployItem is an alias for the shared deploy-item wire shape
// (internal/deployitem), kept local to this package so call sites read
// agent.DeployItem as the rest of the worker-side code does.
type DeployItem = deployitem.Item

// localState is the on-disk deploys.json checksum-tracked cache the
// full-sync ticker consults (spec.md §4.5: "if the local deploys.json
// file's checksum differs ... applies every item and atomically rewrites
// the file").
type localState struct {
	Checksum string       `json:"checksum"`
	Tasks    []DeployItem `json:"tasks"`
}

// Agent is the worker's singleton liveness/full-sync loop.
type Agent struct {
	Client            *Client
	Routes            *dispatcher.RoutingTable
	DataDir           string
	LivenessInterval  time.Duration
	FullSyncInterval  time.Duration
	Logger            *slog.Logger

	// Region labels this worker's liveness reports (the worker's configured
	// region name, not derived).
	Region string

	outcomeMu sync.Mutex
	outcomes  map[string]string // task_id -> "success" | "failed: <reason>"
	inflight  map[string]bool   // task_id -> convergence already spawned

	deploysJSONPath string
}

// New builds an Agent. LivenessInterval/FullSyncInterval default to 1s/60s
// (spec.md §4.5) when zero.
func New(client *Client, routes *dispatcher.RoutingTable, dataDir string, livenessInterval, fullSyncInterval time.Duration, logger *slog.Logger) *Agent {
	if livenessInterval <= 0 {
		livenessInterval = time.Second
	}
	if fullSyncInterval <= 0 {
		fullSyncInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		Client:           client,
		Routes:           routes,
		DataDir:          dataDir,
		LivenessInterval: livenessInterval,
		FullSyncInterval: fullSyncInterval,
		Logger:           logger,
		outcomes:         make(map[string]string),
		inflight:         make(map[string]bool),
		deploysJSONPath:  filepath.Join(dataDir, "deploys.json"),
	}
}

// Run blocks until ctx is done, driving both tickers.
func (a *Agent) Run(ctx context.Context) {
	livenessTicker := time.NewTicker(a.LivenessInterval)
	fullSyncTicker := time.NewTicker(a.FullSyncInterval)
	defer livenessTicker.Stop()
	defer fullSyncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-livenessTicker.C:
			a.liveness(ctx)
		case <-fullSyncTicker.C:
			a.fullSync(ctx)
		}
	}
}

// liveness implements spec.md §4.5's liveness ticker. Transient failures are
// swallowed; the next tick retries with no explicit backoff.
func (a *Agent) liveness(ctx context.Context) {
	hostname, _ := os.Hostname()
	ip := IPInfo{IP: localIP(), Hostname: hostname, Region: a.Region}

	a.outcomeMu.Lock()
	snapshot := make(map[string]string, len(a.outcomes))
	for k, v := range a.outcomes {
		snapshot[k] = v
	}
	a.outcomeMu.Unlock()

	resp, err := a.Client.Alive(ctx, ip, snapshot)
	if err != nil {
		a.Logger.Warn("liveness tick failed", "error", err)
		return
	}

	expected := make(map[string]bool, len(resp.Tasks))
	for _, content := range resp.Tasks {
		var item DeployItem
		if err := json.Unmarshal([]byte(content), &item); err != nil {
			a.Logger.Warn("liveness: undecodable task content", "error", err)
			continue
		}
		expected[item.TaskID] = true

		a.outcomeMu.Lock()
		_, seen := a.outcomes[item.TaskID]
		alreadyRunning := a.inflight[item.TaskID]
		if !seen && !alreadyRunning {
			a.inflight[item.TaskID] = true
		}
		a.outcomeMu.Unlock()

		if seen || alreadyRunning {
			continue
		}

		go a.converge(ctx, item)
	}

	// Any outcome whose key is no longer returned by the server is dropped.
	a.outcomeMu.Lock()
	for taskID := range a.outcomes {
		if !expected[taskID] {
			delete(a.outcomes, taskID)
			delete(a.inflight, taskID)
		}
	}
	a.outcomeMu.Unlock()
}

func (a *Agent) converge(ctx context.Context, item DeployItem) {
	err := a.convergeItem(ctx, item)

	a.outcomeMu.Lock()
	if err != nil {
		a.outcomes[item.TaskID] = fmt.Sprintf("failed: %s", err.Error())
	} else {
		a.outcomes[item.TaskID] = "success"
	}
	delete(a.inflight, item.TaskID)
	a.outcomeMu.Unlock()

	if err != nil {
		a.Logger.Warn("item convergence failed", "task_id", item.TaskID, "error", err)
	} else {
		a.Logger.Info("item convergence succeeded", "task_id", item.TaskID, "domain", item.Domain)
	}
}

// convergeItem implements the two-step per-item convergence of spec.md
// §4.5: fetch+verify+install the artifact if absent, then emit the routing
// file that makes it live.
func (a *Agent) convergeItem(ctx context.Context, item DeployItem) error {
	modulePath := filepath.Join(a.DataDir, "modules", item.FileName)

	if _, err := os.Stat(modulePath); os.IsNotExist(err) {
		if err := a.downloadAndVerify(ctx, item, modulePath); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	routePath := filepath.Join(a.DataDir, "routes", item.Domain+".yaml")
	if err := os.MkdirAll(filepath.Dir(routePath), 0o755); err != nil {
		return fmt.Errorf("create routing dir: %w", err)
	}
	if err := dispatcher.WriteFile(routePath, item.Domain, modulePath); err != nil {
		return fmt.Errorf("write routing file: %w", err)
	}
	a.Routes.Set(item.Domain, modulePath)
	return nil
}

func (a *Agent) downloadAndVerify(ctx context.Context, item DeployItem, modulePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read artifact body: %w", err)
	}

	sum := md5.Sum(data) //nolint:gosec
	if hex.EncodeToString(sum[:]) != item.FileHash {
		return fmt.Errorf("artifact hash mismatch for %s", item.FileName)
	}

	if err := os.MkdirAll(filepath.Dir(modulePath), 0o755); err != nil {
		return fmt.Errorf("create module dir: %w", err)
	}
	return os.WriteFile(modulePath, data, 0o644)
}

// fullSync implements spec.md §4.5's full-sync ticker.
func (a *Agent) fullSync(ctx context.Context) {
	resp, err := a.Client.Deploys(ctx)
	if err != nil {
		a.Logger.Warn("full sync failed", "error", err)
		return
	}

	current, err := a.readLocalState()
	if err == nil && current.Checksum == resp.Checksum {
		return
	}

	a.Logger.Info("full sync applying desired state", "checksum", resp.Checksum, "tasks", len(resp.Tasks))

	errs := a.convergeAll(ctx, resp.Tasks)
	if len(errs) > 0 {
		a.Logger.Warn("full sync completed with errors", "failed", len(errs))
	}

	if err := a.pruneUndesired(resp.Tasks); err != nil {
		a.Logger.Warn("full sync prune failed", "error", err)
	}

	if err := a.writeLocalState(localState{Checksum: resp.Checksum, Tasks: resp.Tasks}); err != nil {
		a.Logger.Warn("failed to persist deploys.json", "error", err)
	}
}

// pruneUndesired implements the removal half of spec.md §8's full-sync
// invariant ("the worker's set of installed artifact files is exactly
// {item.file_name | item ∈ server.tasks}"): any artifact currently on disk
// under modules/ whose file name is no longer present in desired deletes
// its artifact, its AOT sidecar (if any), and the routing file + in-memory
// binding for the domain it used to serve — a deployment dropped from the
// desired set (e.g. deleted or superseded) must not leave stale bytes or a
// stale route behind.
func (a *Agent) pruneUndesired(desired []DeployItem) error {
	wantFiles := make(map[string]bool, len(desired))
	wantDomains := make(map[string]bool, len(desired))
	for _, item := range desired {
		wantFiles[item.FileName] = true
		wantDomains[item.Domain] = true
	}

	modulesDir := filepath.Join(a.DataDir, "modules")
	entries, err := os.ReadDir(modulesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list modules dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".aot") {
			continue
		}
		if wantFiles[name] {
			continue
		}
		if err := os.Remove(filepath.Join(modulesDir, name)); err != nil && !os.IsNotExist(err) {
			a.Logger.Warn("prune: failed to remove stale artifact", "file", name, "error", err)
		}
		for _, aotFile := range a.sidecarsFor(modulesDir, name) {
			if err := os.Remove(aotFile); err != nil && !os.IsNotExist(err) {
				a.Logger.Warn("prune: failed to remove stale AOT sidecar", "file", aotFile, "error", err)
			}
		}
	}

	return a.pruneUndesiredRoutes(wantDomains)
}

// sidecarsFor returns the AOT sidecar paths (<file>.<engine-version>.aot)
// for a module file name that is about to be removed.
func (a *Agent) sidecarsFor(modulesDir, fileName string) []string {
	matches, err := filepath.Glob(filepath.Join(modulesDir, fileName+".*.aot"))
	if err != nil {
		return nil
	}
	return matches
}

// pruneUndesiredRoutes removes routing files (and their in-memory bindings)
// for domains no longer present in the desired task set.
func (a *Agent) pruneUndesiredRoutes(wantDomains map[string]bool) error {
	routesDir := filepath.Join(a.DataDir, "routes")
	entries, err := os.ReadDir(routesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list routes dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		domain := strings.TrimSuffix(name, ".yaml")
		if wantDomains[domain] {
			continue
		}
		if err := os.Remove(filepath.Join(routesDir, name)); err != nil && !os.IsNotExist(err) {
			a.Logger.Warn("prune: failed to remove stale routing file", "domain", domain, "error", err)
			continue
		}
		a.Routes.Delete(domain)
	}
	return nil
}

// convergeAll runs item convergence concurrently, bounded the way the
// teacher's parallel-workers example fans goroutines out over a fixed task
// list (sdk-go/examples/parallel-workers/main.go: sync.WaitGroup + a
// per-index result slot).
func (a *Agent) convergeAll(ctx context.Context, items []DeployItem) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(items))

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it DeployItem) {
			defer wg.Done()
			errs[idx] = a.convergeItem(ctx, it)
		}(i, item)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}

func (a *Agent) readLocalState() (localState, error) {
	data, err := os.ReadFile(a.deploysJSONPath)
	if err != nil {
		return localState{}, err
	}
	var s localState
	if err := json.Unmarshal(data, &s); err != nil {
		return localState{}, err
	}
	return s, nil
}

// writeLocalState atomically rewrites deploys.json (spec.md §4.5).
func (a *Agent) writeLocalState(s localState) error {
	if err := os.MkdirAll(a.DataDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := a.deploysJSONPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.deploysJSONPath)
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "unknown"
	}
	return addr.IP.String()
}
