// Package main implements the headless offline sync worker.
// It drains the local action queue against the backend without exposing
// the UI API, for devices where the app talks to the store directly.
//
// Features:
//   - Sync as soon as the backend becomes reachable
//   - Periodic sync on a cron schedule while online
//   - Retry ceiling; parked actions stay until purged
//   - Prometheus metrics exposed on METRICS_ADDR (default :8080)
//   - Graceful shutdown on SIGINT/SIGTERM
//
// Usage:
//
//	BACKEND_URL=https://erp.example.com go run cmd/worker/main.go
//	go run cmd/worker/main.go -once   # single sync pass, then exit
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetops/offlineq/pkg/agent"
	"github.com/fleetops/offlineq/pkg/config"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	once := flag.Bool("once", false, "Run a single sync pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start agent")
	}
	defer a.Close()

	if *once {
		runOnce(ctx, a)
		return
	}

	// Start Prometheus metrics server
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	a.Start(ctx)
	logger.Log.Info().Msg("Worker started. Waiting for connectivity...")

	// Setup graceful shutdown handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down worker...")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	metrics.Shutdown(shutdownCtx)
}

// runOnce performs one sync pass and logs the outcome.
func runOnce(ctx context.Context, a *agent.Agent) {
	summary, err := a.SyncNow(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Sync failed")
		return
	}
	st, err := a.Queue.Stats(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to read queue stats")
		return
	}
	logger.Log.Info().
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("remaining", summary.Remaining).
		Int("pending", st.Pending).
		Int("retrying", st.Retrying).
		Int("parked", st.Failed).
		Msg("Sync pass complete")
}
