package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"controlplane/internal/config"
	"controlplane/internal/health"
	"controlplane/internal/httpapi"
	"controlplane/internal/launcher"
	"controlplane/internal/obs"
	"controlplane/internal/pathutil"
	"controlplane/internal/registry"
	"controlplane/internal/telemetry/stream"
	"controlplane/internal/telemetry/writer"
)

// telemetryWriterLivenessProbe round-trips a scratch record through the
// telemetry writer used by every run, catching the case where runsDir has
// gone read-only or unmounted without tripping the disk-space probe.
func telemetryWriterLivenessProbe(runsDir string) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		scratch := filepath.Join(runsDir, ".healthcheck", "telemetry.jsonl")
		if err := os.MkdirAll(filepath.Dir(scratch), 0o755); err != nil {
			return health.Unhealthy("telemetry_writer", err.Error())
		}
		w := writer.Open(scratch, "healthcheck", writer.KindEvent, nil)
		defer w.Close()
		if !w.Ready() {
			return health.Unhealthy("telemetry_writer", "failed to open scratch telemetry file")
		}
		w.Emit(map[string]any{"probe": true})
		return health.Healthy("telemetry_writer")
	})
}

func main() {
	var (
		configPath  string
		workerMod   string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML server config (optional)")
	flag.StringVar(&workerMod, "worker", "python3 -m stockbot.cli", "Worker module/command for train and backtest jobs")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("controlplane (ML trading experiment orchestrator)")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.NewLogger(slog.LevelInfo)

	tp, err := obs.NewTracerProvider("controlplane")
	if err != nil {
		logger.Warn("tracer provider init failed, continuing without tracing", "err", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	mp, err := obs.NewMeterProvider("controlplane")
	if err != nil {
		logger.Warn("meter provider init failed, continuing without otel metrics", "err", err)
	}
	if mp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mp.Shutdown(shutdownCtx)
		}()
	}

	metrics := obs.NewPrometheusProvider()

	layout, err := pathutil.NewLayout(cfg.RunsDir, cfg.ExtraOutRoot)
	if err != nil {
		log.Fatalf("resolve run layout: %v", err)
	}

	store, err := registry.Open(cfg.RegistryDBPath)
	if err != nil {
		log.Fatalf("open run registry: %v", err)
	}
	defer store.Close()

	jobLauncher := launcher.New(layout, store, workerMod, logger, metrics)
	bus := stream.NewBus(64, logger)

	evaluator := health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			store.List() // touches the in-memory index; a panic here would mean the registry is corrupt
			return health.Healthy("registry")
		}),
		health.DiskSpaceProbe("disk_space", cfg.RunsDir, uint64(cfg.MinDiskFreeMB)*1024*1024),
		telemetryWriterLivenessProbe(cfg.RunsDir),
	)

	srv := httpapi.NewServer(httpapi.Deps{
		Layout:                layout,
		Store:                 store,
		Launcher:              jobLauncher,
		Bus:                   bus,
		Health:                evaluator,
		Metrics:               metrics,
		Log:                   logger,
		RunsLiveDir:           filepath.Join(cfg.RunsDir, "live"),
		StatusPollInterval:    time.Duration(cfg.StatusPollMs) * time.Millisecond,
		TelemetryPollInterval: time.Duration(cfg.TelemetryPollMs) * time.Millisecond,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Routes(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.Warn("second signal received; forcing exit")
		os.Exit(1)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "err", err)
		}
	}()

	logger.Info("controlplane listening", "addr", cfg.BindAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
