package agent

import (
	"crypto/md5" //nolint:gosec // test fixture hashing, matches production convention
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/platform/internal/dispatcher"
)

func hashOf(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestConvergeItem_DownloadsVerifiesAndRoutes(t *testing.T) {
	artifact := []byte("fake-wasm-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(artifact)
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	client := NewClient(srv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	a := New(client, routes, dataDir, 0, 0, nil)

	item := DeployItem{
		TaskID:      "task-1",
		FileName:    "site.wasm",
		FileHash:    hashOf(artifact),
		DownloadURL: srv.URL,
		Domain:      "example.com",
	}

	require.NoError(t, a.convergeItem(t.Context(), item))

	modulePath := filepath.Join(dataDir, "modules", "site.wasm")
	data, err := os.ReadFile(modulePath)
	require.NoError(t, err)
	assert.Equal(t, artifact, data)

	got, ok := routes.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, modulePath, got)

	routeFile := filepath.Join(dataDir, "routes", "example.com.yaml")
	_, err = os.Stat(routeFile)
	require.NoError(t, err)
}

func TestConvergeItem_HashMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("actual-bytes"))
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	client := NewClient(srv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	a := New(client, routes, dataDir, 0, 0, nil)

	item := DeployItem{
		TaskID:      "task-2",
		FileName:    "site.wasm",
		FileHash:    "0000000000000000000000000000000",
		DownloadURL: srv.URL,
		Domain:      "example.com",
	}

	err := a.convergeItem(t.Context(), item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	_, ok := routes.Lookup("example.com")
	assert.False(t, ok, "routing must not be updated when verification fails")
}

func TestConvergeItem_SkipsDownloadIfArtifactAlreadyExists(t *testing.T) {
	requestCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "modules"), 0o755))
	modulePath := filepath.Join(dataDir, "modules", "site.wasm")
	require.NoError(t, os.WriteFile(modulePath, []byte("already-here"), 0o644))

	client := NewClient(srv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	a := New(client, routes, dataDir, 0, 0, nil)

	item := DeployItem{
		TaskID:      "task-3",
		FileName:    "site.wasm",
		FileHash:    "irrelevant",
		DownloadURL: srv.URL,
		Domain:      "example.com",
	}

	require.NoError(t, a.convergeItem(t.Context(), item))
	assert.Equal(t, 0, requestCount, "already-present artifact must not be re-downloaded")
}

func TestLiveness_DropsOutcomesNoLongerExpected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]string{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	a := New(client, routes, t.TempDir(), 0, 0, nil)
	a.outcomes["stale-task"] = "success"

	a.liveness(t.Context())

	a.outcomeMu.Lock()
	_, stillThere := a.outcomes["stale-task"]
	a.outcomeMu.Unlock()
	assert.False(t, stillThere)
}

func TestFullSync_PrunesArtifactsRoutesAndSidecarsNoLongerDesired(t *testing.T) {
	keep := []byte("keep-me")
	item := DeployItem{
		TaskID:      "task-keep",
		FileName:    "keep.wasm",
		FileHash:    hashOf(keep),
		Domain:      "keep.example.com",
		DownloadURL: "unused",
	}

	dataDir := t.TempDir()
	modulesDir := filepath.Join(dataDir, "modules")
	routesDir := filepath.Join(dataDir, "routes")
	require.NoError(t, os.MkdirAll(modulesDir, 0o755))
	require.NoError(t, os.MkdirAll(routesDir, 0o755))

	// Pre-existing artifact + sidecar + routing file that the upcoming
	// full-sync's desired set (only "keep.wasm") no longer names.
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "keep.wasm"), keep, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "stale.wasm"), []byte("stale-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "stale.wasm.wazero-1.11.0.aot"), []byte("sidecar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(routesDir, "stale.example.com.yaml"), []byte("routes: []"), 0o644))

	content, err := json.Marshal(item)
	require.NoError(t, err)
	controlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/worker-api/deploys":
			_, _ = w.Write([]byte(`{"checksum":"chk-1","tasks":[` + string(content) + `]}`))
		}
	}))
	defer controlSrv.Close()

	client := NewClient(controlSrv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	routes.Set("stale.example.com", filepath.Join(modulesDir, "stale.wasm"))
	a := New(client, routes, dataDir, 0, 0, nil)

	a.fullSync(t.Context())

	_, err = os.Stat(filepath.Join(modulesDir, "keep.wasm"))
	assert.NoError(t, err, "artifact still in the desired set must survive")

	_, err = os.Stat(filepath.Join(modulesDir, "stale.wasm"))
	assert.True(t, os.IsNotExist(err), "artifact no longer in the desired set must be removed")

	_, err = os.Stat(filepath.Join(modulesDir, "stale.wasm.wazero-1.11.0.aot"))
	assert.True(t, os.IsNotExist(err), "stale artifact's AOT sidecar must be removed alongside it")

	_, err = os.Stat(filepath.Join(routesDir, "stale.example.com.yaml"))
	assert.True(t, os.IsNotExist(err), "routing file for a domain no longer desired must be removed")

	_, ok := routes.Lookup("stale.example.com")
	assert.False(t, ok, "in-memory routing binding for a pruned domain must be dropped")
}

func TestLiveness_SpawnsConvergenceForNewTask(t *testing.T) {
	artifact := []byte("artifact-bytes")
	var downloadSrv *httptest.Server
	downloadSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(artifact)
	}))
	defer downloadSrv.Close()

	item := DeployItem{
		TaskID:      "task-new",
		FileName:    "new.wasm",
		FileHash:    hashOf(artifact),
		DownloadURL: downloadSrv.URL,
		Domain:      "new.example.com",
	}
	content, err := json.Marshal(item)
	require.NoError(t, err)

	controlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]string{string(content)})
	}))
	defer controlSrv.Close()

	dataDir := t.TempDir()
	client := NewClient(controlSrv.URL, "tok")
	routes := dispatcher.NewRoutingTable()
	a := New(client, routes, dataDir, 0, 0, nil)

	a.liveness(t.Context())

	require.Eventually(t, func() bool {
		_, ok := routes.Lookup("new.example.com")
		return ok
	}, time.Second, 10*time.Millisecond)
}
