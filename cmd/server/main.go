// Package main implements the offline queue HTTP API used by the driver app.
// Form handlers enqueue actions here; the status bar polls stats; the
// "sync now" and "clear failed" buttons call sync and purge.
//
// API Endpoints:
//
//	POST /enqueue - Queue an action {"action": "...", "data": {...}}
//	GET  /queue   - List queued actions, oldest first
//	GET  /stats   - Pending / retrying / failed counts
//	POST /sync    - Run a sync now
//	POST /purge   - Remove actions that reached the retry ceiling
//	GET  /status  - Connectivity and last sync summary
//	GET  /metrics - Prometheus metrics
//
// The process also runs the background agent: it syncs when the backend
// becomes reachable and on the configured schedule.
//
// Usage:
//
//	BACKEND_URL=https://erp.example.com go run cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/agent"
	"github.com/fleetops/offlineq/pkg/config"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/fleetops/offlineq/pkg/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
// CORS wraps auth so preflight requests don't need the key.
func setupRouter(a *agent.Agent, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(path, method string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}, apiKey)))
	}

	// enqueue captures a user action; it works the same online or offline.
	route("/enqueue", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action actions.Kind    `json:"action"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.Action.Valid() {
			http.Error(w, fmt.Sprintf("unknown action %q, expected one of %v", req.Action, actions.Kinds()), http.StatusBadRequest)
			return
		}
		// Reject payloads that could never be replayed.
		if _, err := actions.Decode(actions.QueueItem{Action: req.Action, Data: req.Data}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := a.Queue.EnqueueRaw(r.Context(), req.Action, req.Data)
		if err != nil {
			logger.Log.Error().Err(err).Str("action", string(req.Action)).Msg("Enqueue failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	})

	route("/queue", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		items, err := a.Queue.ListAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	route("/stats", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		st, err := a.Queue.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	route("/sync", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		summary, err := a.SyncNow(r.Context())
		if errors.Is(err, syncer.ErrSyncInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, summary)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	route("/purge", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		removed, err := a.Queue.PurgeFailed(r.Context(), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})

	route("/status", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Online   bool            `json:"online"`
			Syncing  bool            `json:"syncing"`
			LastSync *syncer.Summary `json:"last_sync,omitempty"`
		}{
			Online:  a.Observer.Online(),
			Syncing: a.Engine.Running(),
		}
		if last, ok := a.Engine.LastSummary(); ok {
			resp.LastSync = &last
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// main loads the configuration, starts the agent and serves the API.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start agent")
	}
	defer a.Close()
	a.Start(ctx)

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Log.Error().Err(err).Str("addr", cfg.HTTPAddr).Msg("Failed to listen")
		return
	}

	srv := &http.Server{
		Handler:           setupRouter(a, cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Log.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	if err := serve(ctx, srv, ln); err != nil {
		logger.Log.Error().Err(err).Msg("Server failed")
	}
}

// serve runs srv on ln until ctx ends, then shuts it down gracefully.
// It returns only after in-flight requests have finished, so the caller
// can release the agent afterwards.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Log.Info().Msg("Shutting down server...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	err := srv.Shutdown(shutdownCtx)

	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
