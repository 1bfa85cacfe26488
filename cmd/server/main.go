package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcription-palantir/internal/api"
	"transcription-palantir/internal/config"
	"transcription-palantir/internal/database"
	"transcription-palantir/internal/engine"
	"transcription-palantir/internal/queue"
	"transcription-palantir/internal/reconcile"
	"transcription-palantir/internal/tracker"
	"transcription-palantir/internal/watcher"
	"transcription-palantir/internal/worker"
	"transcription-palantir/pkg/logger"

	_ "transcription-palantir/internal/api/docs"

	"github.com/gin-gonic/gin"
)

// Version information (set by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// @title Transcription Palantir API
// @version 1.0
// @description Batch audio transcription queue, watcher and worker pool
// @termsOfService http://swagger.io/terms/

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Transcription Palantir %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	log.Println("starting up...")

	log.Println("loading configuration...")
	cfg := config.Load()

	log.Println("initializing logging system...")
	logger.Init(cfg.LogLevel)
	logger.Info("starting transcription-palantir", "version", version, "commit", commit)

	log.Println("initializing database connection...")
	if err := database.Initialize(cfg.DatabasePath); err != nil {
		log.Fatal("failed to initialize database:", err)
	}
	defer database.Close()
	log.Println("database connection established")

	trk := tracker.New(database.DB)

	queueCfg := queue.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		LockDuration:     cfg.LockDuration,
		StalledInterval:  cfg.StalledInterval,
		MaxStalledCount:  cfg.MaxStalledCount,
		MaxAttempts:      cfg.MaxJobAttempts,
	}
	q := queue.New(database.DB, queueCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("starting job queue background loop...")
	q.Start(ctx)
	defer q.Stop()

	watcherCfg := watcher.Config{
		WatchDirectory:   cfg.WatchDirectory,
		MaxDepth:         cfg.MaxWatchDepth,
		StabilityWindow:  cfg.StabilityWindow,
		SupportedFormats: cfg.SupportedFormats,
		MinFileSizeBytes: cfg.MinFileSizeBytes(),
		MaxFileSizeBytes: cfg.MaxFileSizeBytes(),
	}
	w := watcher.New(watcherCfg, q, trk)

	reconciler := reconcile.New(reconcile.Config{
		WatchDirectory:     cfg.WatchDirectory,
		OutputDirectory:    cfg.OutputDirectory,
		CompletedDirectory: cfg.CompletedDirectory,
		FailedDirectory:    cfg.FailedDirectory,
		SupportedFormats:   cfg.SupportedFormats,
		StaleTmpThreshold:  30 * time.Minute,
	}, q, w)

	log.Println("running boot-time reconciliation...")
	report, err := reconciler.Run()
	if err != nil {
		log.Fatal("reconciliation failed:", err)
	}
	logger.Info("boot reconciliation complete",
		"files_scanned", report.FilesScanned,
		"jobs_created", report.JobsCreated,
		"jobs_reconciled", report.JobsReconciled,
		"phantoms_failed", report.PhantomsFailed,
		"tmp_files_swept", report.TmpFilesSwept)

	log.Println("starting file watcher...")
	if err := w.Start(); err != nil {
		log.Fatal("failed to start watcher:", err)
	}
	defer w.Stop()
	log.Println("file watcher started")

	engineCfg := engine.Config{
		Binary:      cfg.EngineBinary,
		Model:       cfg.EngineModel,
		Language:    cfg.EngineLanguage,
		Task:        cfg.EngineTask,
		ComputeType: cfg.EngineComputeType,
		Flavor:      cfg.EngineFlavor,
		OutputExt:   cfg.EngineOutputExt,
	}
	eng := engine.New(engineCfg)

	pool := worker.New(worker.Config{
		ConcurrencyLimit:   cfg.ConcurrencyLimit,
		OutputDirectory:    cfg.OutputDirectory,
		CompletedDirectory: cfg.CompletedDirectory,
		FailedDirectory:    cfg.FailedDirectory,
		PollInterval:       500 * time.Millisecond,
		HeartbeatEvery:     cfg.LockDuration / 3,
		ShutdownDeadline:   60 * time.Second,
	}, q, eng)

	log.Println("starting worker pool...")
	pool.Start(ctx)
	log.Println("worker pool started")

	log.Println("setting up API handlers...")
	metrics := api.NewMetricsCollector(q, 15*time.Second)
	handler := api.New(q, reconciler, pool, engineCfg, cfg.StalledInterval, cfg.FailedDirectory)

	log.Println("configuring routes...")
	if cfg.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(handler, metrics)
	log.Println("routes configured")

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("starting HTTP server on %s:%s", cfg.Host, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server:", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	log.Printf("transcription-palantir is now running on http://%s:%s", cfg.Host, cfg.Port)
	log.Println("visit /documentation/ui/index.html for API documentation")
	log.Println("press Ctrl+C to stop the server")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown:", err)
	}

	cancel() // stop the queue's stalled-job loop and the pool's claim loops
	pool.Stop()

	log.Println("server exited")
}
