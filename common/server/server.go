// Package server holds the HTTP plumbing every LeakHawk service shares:
// health and readiness probes, Prometheus metrics and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// ReadyTimeout bounds each readiness check.
const ReadyTimeout = 3 * time.Second

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter registers /healthz, /readyz and /metrics next to routes.
func NewRouter(service string, checks map[string]Check, routes map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	mux.HandleFunc("/readyz", readyHandler(checks))
	mux.Handle("/metrics", promhttp.Handler())

	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	return middleware.RequestID(mux)
}

func readyHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]checkResult, len(names))
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), ReadyTimeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				status = http.StatusServiceUnavailable
				results[name] = checkResult{Status: "down", Error: err.Error()}
				continue
			}
			results[name] = checkResult{Status: "up"}
		}
		writeJSON(w, status, results)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves handler until ctx is cancelled, then shuts down within
// shutdownTimeout. Request contexts derive from ctx.
func Run(ctx context.Context, cfg config.ServerConfig, handler http.Handler, shutdownTimeout time.Duration) error {
	logger := logging.Component("http")
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		// Streaming handlers end with ctx rather than holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
