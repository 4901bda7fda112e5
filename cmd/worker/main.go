// Package main is the entry point for the edge worker process: it hosts
// the Request Dispatcher (spec.md §4.4) behind an HTTP listener and runs
// the Worker Agent's liveness/full-sync loop (spec.md §4.5) in the
// background.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/wazero"

	"github.com/edgerun/platform/internal/agent"
	"github.com/edgerun/platform/internal/config"
	"github.com/edgerun/platform/internal/database"
	"github.com/edgerun/platform/internal/dispatcher"
	"github.com/edgerun/platform/internal/hostabi"
	"github.com/edgerun/platform/internal/keyvalue"
	"github.com/edgerun/platform/internal/pool"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Info("starting edge worker",
		slog.String("region", cfg.Region),
		slog.Int("port", cfg.Server.Port),
		slog.String("control_plane_addr", cfg.Worker.ControlPlaneAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Worker.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// Shared across every CompileModule call so a matching AOT sidecar
	// header (internal/pool/aot.go) actually buys a warm recompile instead
	// of a cold one — the cache, not a raw deserialize, is wazero's
	// equivalent of the reference engine's precompiled-module reuse.
	compilationCache, err := wazero.NewCompilationCacheWithDir(cfg.Worker.DataDir + "/wazero-cache")
	if err != nil {
		log.Fatalf("failed to open wazero compilation cache: %v", err)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(compilationCache).WithCloseOnContextDone(true))
	defer rt.Close(ctx)

	if err := hostabi.RegisterHostModules(ctx, rt); err != nil {
		log.Fatalf("failed to register host modules: %v", err)
	}
	logger.Info("host ABI registered")

	instancePool := pool.New(rt, pool.Config{AOTEnable: cfg.Worker.AOTEnabled})
	instancePool.StartEvictionLoop(ctx, time.Minute)

	epochTicker := dispatcher.NewEpochTicker(cfg.Worker.EpochTick)
	go epochTicker.Run(ctx, rt)

	routes := dispatcher.NewRoutingTable()
	routesDir := cfg.Worker.DataDir + "/routes"
	if err := loadRoutingState(routes, routesDir); err != nil {
		logger.Warn("failed to fully recover routing state from disk", "error", err)
	}

	fetcher := hostabi.NewFetcher()

	kvStore, err := newKVStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize key-value store: %v", err)
	}

	dispatchHandler := dispatcher.New(instancePool, routes, fetcher, cfg.Region, cfg.Worker.RequestTimeout, logger)
	dispatchHandler.MetricsEnabled = cfg.Worker.MetricsEnabled
	dispatchHandler.DefaultModule = cfg.Worker.DefaultModulePath
	dispatchHandler.KV = kvStore

	client := agent.NewClient(cfg.Worker.ControlPlaneAddr, cfg.Worker.ServiceToken)
	workerAgent := agent.New(client, routes, cfg.Worker.DataDir, cfg.Worker.LivenessInterval, cfg.Worker.FullSyncInterval, logger)
	workerAgent.Region = cfg.Region
	go workerAgent.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      dispatchHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("dispatcher listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("dispatcher server error: %v", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Worker.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("dispatcher shutdown error: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}
	logger.Info("worker stopped gracefully")
}

// newKVStore builds the land:keyvalue backend: in-process by default, or
// the shared Redis cache when a fleet should present one key-value view per
// module across workers.
func newKVStore(cfg *config.Config) (keyvalue.Store, error) {
	if cfg.Worker.KVBackend == "redis" {
		redisClient, err := database.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return keyvalue.NewRedisStore(redisClient.Client()), nil
	}
	return keyvalue.NewMemoryStore(), nil
}

// loadRoutingState walks the on-disk per-domain routing files a previous
// run left behind so a restarted worker keeps serving without waiting for
// the next full-sync tick.
func loadRoutingState(routes *dispatcher.RoutingTable, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := routes.LoadFile(dir + "/" + entry.Name()); err != nil {
			return err
		}
	}
	return nil
}
