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

	signalinfra "telecall/internal/infrastructure/signal"
	"telecall/pkg/config"
	"telecall/pkg/logger"
	"telecall/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet.
		zapLogger := logger.New("info")
		zapLogger.Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.Build(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "signal")

	cfg.Tracing.ServiceName = cfg.Tracing.ServiceName + "-signal"
	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	relayConfig := signalinfra.RelayConfig{
		PingInterval: cfg.Signal.PingInterval,
		ReadTimeout:  cfg.Signal.ReadTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
		BacklogSize:  cfg.Signal.BacklogSize,
	}
	if cfg.RateLimiting.Enabled {
		relayConfig.MessagesPerSec = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayConfig.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	relay := signalinfra.NewRelayServer(relayConfig, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWebSocket)
	mux.HandleFunc("/health", relay.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("signaling relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when the process exits.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during relay shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing relay", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Infow("signaling relay stopped", "open_calls", relay.Rooms())
}
