package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clanforge/hub/internal/config"
	httpapi "clanforge/hub/internal/http"
	"clanforge/hub/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger initialisation failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	hub, err := NewHub(cfg, logger)
	if err != nil {
		logger.Fatal("hub initialisation failed", logging.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Readiness:    hub,
		Rooms:        hub.rooms,
		Health:       hub.analyzer,
		Cluster:      clusterStatus(hub),
		IngressStats: hub.Ingress().Stats,
		Intake:       hub.Ingress(),
		Registry:     hub.metrics.Registry(),
		AdminToken:   cfg.AdminToken,
		RateLimiter:  httpapi.NewSlidingWindowLimiter(time.Minute, 60, nil),
	}).Register(mux)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hub.Start(ctx)
	logger.Info("hub listening", logging.String("url", listenerURL(cfg.Address)))

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("listener failed", logging.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	hub.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("hub stopped")
}

// clusterStatus returns the bridge as the readiness cluster reporter, or nil
// when the hub runs without a cluster substrate. Returning the typed nil
// directly would make the interface non-nil.
func clusterStatus(hub *Hub) httpapi.ClusterStatus {
	if hub.bridge == nil {
		return nil
	}
	return hub.bridge
}
