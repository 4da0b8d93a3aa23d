// broker-service is the HTTP control plane brokering compute jobs between
// providers and the orchestrator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"computebroker/internal/api"
	"computebroker/internal/auth"
	"computebroker/internal/config"
	"computebroker/internal/health"
	"computebroker/internal/job"
	"computebroker/internal/observability"
	"computebroker/internal/orchestrator/docker"
	"computebroker/internal/results"
	"computebroker/internal/store"
	"computebroker/pkg/backoff"
)

// dbConnectAttempts bounds startup retries against a database that is still
// coming up.
const dbConnectAttempts = 10

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Connect to PostgreSQL, retrying while it comes up
	var db *store.Store
	err = backoff.Retry(ctx, dbConnectAttempts, &backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second}, func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var openErr error
		db, openErr = store.Open(connectCtx, cfg.DatabaseURL, slog.Default())
		if openErr != nil {
			slog.Warn("Database not ready", "error", openErr)
		}
		return openErr
	})
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("Connected to database")

	// Docker view for the admin surface. Optional: the broker stays up when
	// the daemon is unreachable, with readiness degraded.
	workloads, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer workloads.Close()

	// Create health checker
	healthChecker := health.NewChecker(
		health.Dependency{Name: "store", Check: db},
		health.Dependency{Name: "orchestrator", Check: workloads, Optional: true},
	)

	// Signature authentication over the store-backed nonce ledger
	authenticator := auth.New(db, auth.Config{
		SignatureRequired: cfg.SignatureRequired,
		AllowedIdentities: cfg.AllowedProviders,
	})
	if cfg.SignatureRequired {
		slog.Info("Provider allow-list enabled", "providers", len(cfg.AllowedProviders))
	} else {
		slog.Warn("Provider allow-list disabled - any recovered identity is accepted")
	}

	// Create services
	jobService := job.NewService(db, db, authenticator, metrics)
	fetcher := results.NewFetcher(db, authenticator, cfg.FetchTimeout, metrics)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Fetcher:       fetcher,
		Environments:  db,
		Workloads:     workloads,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		AllowedAdmins: cfg.AllowedAdmins,
	})

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Fail readiness so load balancers drain the instance
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish
	// in-flight requests
	slog.Info("Shutting down HTTP servers")
	shutdown(25 * time.Second)

	// Jobs keep running in the orchestrator; flags and results remain in the
	// store for the next instance.
	slog.Info("Shutdown complete")
	return nil
}
