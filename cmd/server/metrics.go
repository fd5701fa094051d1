package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/rendezvous"
)

const opsShutdownTimeout = 5 * time.Second

// newOpsMux serves Prometheus metrics plus health and state endpoints.
func newOpsMux(srv *rendezvous.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(srv)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveOps runs the ops HTTP server until ctx ends. Bind and serve failures
// are logged and counted, never returned, so the control port stays up.
func serveOps(ctx context.Context, addr string, srv *rendezvous.Server, logger *zap.Logger) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           newOpsMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	logger.Info("metrics.listen", zap.String("addr", addr))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			obs.ErrorsTotal.WithLabelValues("metrics_server").Inc()
			logger.Error("metrics.server", zap.String("addr", addr), zap.Error(err))
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	err := hs.Shutdown(sctx)
	<-errc
	return err
}
