// main.go
// In main.go we wire everything together: load config, start the state
// manager loop, serve /ws, and stop both when the process is interrupted.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relay-server/internal/config"
	"relay-server/internal/logging"
	"relay-server/internal/metrics"
	"relay-server/internal/relay"
	"relay-server/internal/server"
	"relay-server/internal/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.New(reg)

	manager := relay.NewManager(relay.ManagerOptions{
		QueueSize:    cfg.CommandQueueSize,
		HistoryLimit: cfg.HistoryLimit,
		Metrics:      relayMetrics,
		Logger:       slog.Default(),
	})
	go manager.Run()

	srv := server.NewServer(cfg, manager, relayMetrics, reg)

	stop := shutdown.New()
	managerStopped := stop.Watch(func() {
		if err := manager.Shutdown(); err != nil {
			slog.Error("State manager shutdown error", "error", err)
		}
		<-manager.Done()
	})
	serverStopped := stop.Watch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	})

	go func() {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")
		stop.Trigger()
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		stop.Trigger()
		<-managerStopped
		os.Exit(1)
	}

	<-serverStopped
	<-managerStopped
	slog.Info("Relay stopped")
}
