package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"realtime-sync/internal/changefeed"
	"realtime-sync/internal/config"
	"realtime-sync/internal/logging"
	"realtime-sync/internal/metrics"
	"realtime-sync/internal/relay"
	"realtime-sync/internal/server"
)

func runGracefulShutdown(cfg *config.Config, srv *server.Server, r *relay.Relay) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Hijacked WebSocket connections outlive the HTTP server.
		r.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func run(cfg *config.Config, clock clockwork.Clock) error {
	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)

	var listeners []relay.ChangeListener
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisClient, err := changefeed.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		listeners = append(listeners, changefeed.New(redisClient, changefeed.Options{
			EventChannel: cfg.RedisEventChannel,
			BackupKey:    cfg.RedisBackupKey,
		}))
		slog.Info("Redis changefeed enabled", "channel", cfg.RedisEventChannel, "backup_key", cfg.RedisBackupKey)
	}

	r := relay.NewRelay(relay.NewRegistry(), relayMetrics, clock, listeners...)
	srv := server.NewServer(cfg, r, reg, clock)

	done := runGracefulShutdown(cfg, srv, r)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.Stop()
		return err
	}

	<-done
	return nil
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	if err := run(cfg, clock); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
