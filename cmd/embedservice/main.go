package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/localrivet/embedservice"
	"github.com/localrivet/embedservice/internal/config"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/logger"
	"github.com/localrivet/embedservice/internal/telemetry"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFilename, "path to the service config file")
	descriptor := flag.String("descriptor", "", "cluster descriptor path or URL (overrides config and ESCLUSTER_CONFIG_PATH)")
	gops := flag.Bool("gops", false, "start the gops diagnostics agent")
	flag.Parse()

	// Logging goes to stderr; stdout carries the tool protocol.
	appLogger := logger.Install(logger.DefaultConfig())

	cfg, err := config.LoadConfigWithPath(*configPath)
	if err != nil {
		errortypes.LogError(appLogger, err)
		os.Exit(1)
	}
	if *descriptor != "" {
		cfg.Cluster.DescriptorPath = *descriptor
	}
	appLogger = logger.Install(cfg.LoggerConfig())
	appLogger.Info("Embedding service MCP server - Starting...")

	if *gops || cfg.Diagnostics.Gops {
		startGops(appLogger)
	}

	svc, err := embedservice.NewService(context.Background(), embedservice.ServiceOptions{
		Config: cfg,
		Logger: appLogger,
	})
	if err != nil {
		errortypes.LogError(appLogger, err)
		os.Exit(1)
	}

	metricsServer := serveMetrics(cfg.Metrics.Addr, svc.Metrics(), appLogger)
	setupSignalHandler(svc, metricsServer, appLogger)

	// Blocks until stdin closes.
	if err := svc.Start(); err != nil {
		errortypes.LogError(appLogger, errortypes.ExternalError(err, "MCP server failed"))
		shutdown(svc, metricsServer, appLogger)
		os.Exit(1)
	}
	shutdown(svc, metricsServer, appLogger)
}

func startGops(log *slog.Logger) {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Warn("gops agent failed to start", "error", err)
		return
	}
	log.Info("gops agent listening")
}

// serveMetrics exposes /metrics on addr. An empty addr disables it.
func serveMetrics(addr string, metrics *telemetry.Metrics, log *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func shutdown(svc *embedservice.Service, metricsServer *http.Server, log *slog.Logger) {
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := svc.Stop(); err != nil {
		errortypes.LogError(log, err)
		return
	}
	log.Info("Shutdown complete")
}

// setupSignalHandler sets up a signal handler for graceful shutdown.
func setupSignalHandler(svc *embedservice.Service, metricsServer *http.Server, log *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Info("Received shutdown signal, terminating gracefully...")
		shutdown(svc, metricsServer, log)
		os.Exit(0)
	}()
}
