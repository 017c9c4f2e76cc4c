// Vigil - Workforce integrity monitoring.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facilityops/vigil/internal/api"
	"github.com/facilityops/vigil/internal/baseline"
	"github.com/facilityops/vigil/internal/broadcast"
	"github.com/facilityops/vigil/internal/bus"
	"github.com/facilityops/vigil/internal/cache"
	"github.com/facilityops/vigil/internal/collector"
	"github.com/facilityops/vigil/internal/correlation"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/escalation"
	"github.com/facilityops/vigil/internal/repository"
	"github.com/facilityops/vigil/internal/scoring"
	"github.com/facilityops/vigil/internal/training"
	"github.com/facilityops/vigil/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("VIGIL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting vigil",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("VIGIL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if path := os.Getenv("VIGIL_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			slog.Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("config file loaded", "path", path)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Tenants this node serves
	tenantIDs := []string{"default"}
	if envTenants := os.Getenv("VIGIL_TENANTS"); envTenants != "" {
		tenantIDs = strings.Split(envTenants, ",")
	}

	// Pipeline components
	baselines := baseline.NewManager(repo, cfg.Scoring.DefaultThreshold, logger)
	correlator := correlation.NewEngine(repo, busImpl, cfg.Correlation, logger)

	scorer, err := scoring.NewEngine(repo, busImpl, baselines, cfg.Scoring, logger)
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring engine initialized", "heuristic_rules", scorer.HeuristicRuleCount())

	escalator, err := escalation.NewService(repo, busImpl, domain.NoopTicketSink{}, cfg.Escalation, logger)
	if err != nil {
		slog.Error("failed to initialize escalation service", "error", err)
		os.Exit(1)
	}

	hub := broadcast.NewHub(repo, cacheImpl, cfg.Broadcast, logger)
	defer hub.Close()

	col := collector.New(repo, cacheImpl, busImpl, logger)
	trainer := training.NewPipeline(repo, busImpl, cfg.Training, logger)
	tuner := baseline.NewTuner(repo, cfg.Baseline, logger)

	// Pipeline worker
	pipelineWorker := worker.NewWorker(busImpl, correlator, scorer, escalator, hub, logger)
	if err := pipelineWorker.Start(worker.Config{
		TenantIDs:   tenantIDs,
		WorkerCount: cfg.Scoring.WorkerCount,
	}); err != nil {
		slog.Error("failed to start pipeline worker", "error", err)
		os.Exit(1)
	}

	// Background loops: incident close sweeper, subscriber eviction,
	// weekly threshold tuning.
	go correlator.RunSweeper(ctx, tenantIDs)
	go hub.RunEviction(ctx)
	go tuner.Run(ctx, tenantIDs)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, col, hub, trainer, tuner, domain.AllowAllChecker{}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("vigil is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"tenants", tenantIDs,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := pipelineWorker.Stop(); err != nil {
		slog.Error("failed to stop pipeline worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("vigil shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  VIGIL - workforce integrity monitoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /signals                    - Ingest a signal")
	fmt.Println("    POST /signals/batch              - Ingest a signal batch")
	fmt.Println("    GET  /signals/{id}               - Get signal by ID")
	fmt.Println("    GET  /incidents                  - List correlated incidents")
	fmt.Println("    GET  /predictions                - List fraud predictions")
	fmt.Println("    POST /predictions/{id}/label     - Record outcome feedback")
	fmt.Println("    GET  /tickets                    - List escalation tickets")
	fmt.Println("    GET  /trends                     - Dashboard aggregates")
	fmt.Println("    GET  /subjects/{id}/velocity     - Signal rate for a subject")
	fmt.Println("    GET  /stream                     - Live event stream (SSE)")
	fmt.Println("    GET  /models                     - List model versions")
	fmt.Println("    POST /models/{version}/activate  - Activate a model version")
	fmt.Println("    POST /training/run               - Run the training pipeline")
	fmt.Println("    POST /baseline/tune              - Run threshold tuning")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
