package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/stats"
)

// serveAdmin runs a small chi-routed HTTP surface alongside the tRPC
// listener: /healthz for liveness probes and /stats for a JSON counter dump.
// It shares nothing with the tRPC codepath — a genuine HTTP router fits
// this role, unlike the tRPC route matcher (internal/route), which isn't
// HTTP at all.
func serveAdmin(ctx context.Context, addr string, scope *stats.Scope, logger *zap.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(scope.Snapshot())
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("admin endpoint listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("admin endpoint stopped", zap.Error(err))
	}
}
