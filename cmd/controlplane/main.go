// Package main is the entry point for the control-plane process: it serves
// the worker-facing HTTP API (spec.md §6) and runs the Deploy Coordinator's
// sweep loops (spec.md §4.6) in the background.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/edgerun/platform/internal/blobstore"
	"github.com/edgerun/platform/internal/config"
	"github.com/edgerun/platform/internal/controlapi"
	"github.com/edgerun/platform/internal/coordinator"
	"github.com/edgerun/platform/internal/database"
	"github.com/edgerun/platform/internal/middleware"
	"github.com/edgerun/platform/internal/repository"
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

	logger.Info("starting control plane",
		slog.String("region", cfg.Region),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("connected to postgres")

	if err := repository.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	logger.Info("database migrations completed")

	redisClient, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("connected to redis")

	repo := repository.NewPostgresRepository(db.Pool())

	blob, err := newBlobStore(cfg.Blob)
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}
	logger.Info("blob store initialized", slog.String("backend", cfg.Blob.Current))

	if err := os.MkdirAll(cfg.Control.ScratchDir, 0o755); err != nil {
		log.Fatalf("failed to create scratch dir: %v", err)
	}

	sources := coordinator.NewBlobSourceLoader(blob)
	compiler := &coordinator.Compiler{Command: cfg.Control.CompileCommand, ScratchDir: cfg.Control.ScratchDir}

	coord := coordinator.New(repo, blob, sources, compiler, coordinator.Config{
		WaitingSweepInterval: cfg.Control.WaitingSweepInterval,
		ReviewSweepInterval:  cfg.Control.ReviewSweepInterval,
		WorkerOfflineAfter:   cfg.Control.WorkerOfflineAfter,
		DownloadBaseURL:      fmt.Sprintf("http://%s:%d/blobs", cfg.Server.Host, cfg.Server.Port),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx)
	logger.Info("deploy coordinator running")

	workerAPI := controlapi.New(repo, logger).WithBlob(blob).
		WithRateLimiter(redisClient, middleware.DefaultRateLimitConfig())

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redisClient))
	r.Get("/blobs/*", blobHandler(blob))

	r.Mount("/api/v1/worker-api", workerAPI.Routes(cfg.Worker.ServiceToken))
	r.Mount("/api/v1", workerAPI.IntentRoutes(cfg.Control.AdminToken))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("control plane listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control plane server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down control plane")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("control plane shutdown error: %v", err)
	}
	logger.Info("control plane stopped gracefully")
}

func newBlobStore(cfg config.BlobConfig) (blobstore.Store, error) {
	switch cfg.Current {
	case "s3":
		return blobstore.NewS3Store(context.Background(), cfg.S3Bucket, cfg.S3Region, cfg.S3Base)
	default:
		return blobstore.NewFSStore(cfg.FSRoot)
	}
}

// blobHandler serves compiled artifacts out of the blob store at the
// download_url every deploy item points workers at (spec.md §4.5 step 1).
func blobHandler(blob blobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "*")
		data, err := blob.Read(r.Context(), path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/wasm")
		w.Write(data)
	}
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func readyHandler(db *database.Postgres, redisClient *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
