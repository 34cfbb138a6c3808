// conveyord is the pipeline orchestrator daemon: it loads pipeline
// definitions, fires scheduled runs, and serves the live event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/conveyor"
	"github.com/GoCodeAlone/conveyor/config"
	"github.com/GoCodeAlone/conveyor/events"
	"github.com/GoCodeAlone/conveyor/module"
	"github.com/GoCodeAlone/conveyor/observability"
	"github.com/GoCodeAlone/conveyor/sandbox"
	"github.com/GoCodeAlone/conveyor/scheduler"
	"github.com/GoCodeAlone/conveyor/store"
)

var (
	configFile = flag.String("config", "", "Path to conveyor configuration YAML file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("conveyord: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runStore, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "conveyor.db"))
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer runStore.Close()

	hub := events.NewHub(logger)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	resolver := module.MapResolver{}
	engineOpts := []conveyor.Option{
		conveyor.WithLogger(logger),
		conveyor.WithStore(runStore),
		conveyor.WithMetrics(metrics),
		conveyor.WithGlobalVars(cfg.GlobalVars),
		conveyor.WithEnvironments(cfg.Environments),
	}

	manager, err := sandbox.NewManager(sandbox.Config{
		Image:        cfg.Sandbox.Image,
		MemoryLimit:  cfg.Sandbox.MemoryLimit,
		CPULimit:     cfg.Sandbox.CPULimit,
		NetworkMode:  cfg.Sandbox.NetworkMode,
		Timeout:      cfg.Sandbox.Timeout.Std(),
		HostPathFrom: cfg.Sandbox.HostPathFrom,
		HostPathTo:   cfg.Sandbox.HostPathTo,
	}, logger)
	if err != nil {
		logger.Warn("container runtime unavailable, container module disabled", "error", err)
	} else {
		containerMod := sandbox.NewModule(manager)
		resolver[containerMod.Name()] = containerMod
		engineOpts = append(engineOpts, conveyor.WithContainerCleaner(manager))
	}

	registry, err := module.NewRegistry(resolver, module.DefaultCacheSize)
	if err != nil {
		return fmt.Errorf("create module registry: %w", err)
	}

	engine := conveyor.NewEngine(registry, hub, cfg.WorkRoot, engineOpts...)

	if err := os.MkdirAll(cfg.PipelineDir, 0o755); err != nil {
		return fmt.Errorf("create pipeline dir: %w", err)
	}
	lib := newLibrary(cfg.PipelineDir, hub, logger)
	if err := lib.load(); err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	logger.Info("pipelines loaded", "count", len(lib.list()), "dir", cfg.PipelineDir)

	watcher := config.NewWatcher(cfg.PipelineDir, lib.apply, logger)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("watch pipeline dir: %w", err)
	}
	defer watcher.Stop()

	trigger := func(pipelineID string) error {
		p, ok := lib.get(pipelineID)
		if !ok {
			return fmt.Errorf("unknown pipeline %q", pipelineID)
		}
		_, err := engine.StartRun(ctx, p, nil)
		return err
	}
	sched := scheduler.New(cfg.Scheduler, lib.list, trigger, scheduler.WithLogger(logger))
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/events", events.StreamHandler(hub, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
