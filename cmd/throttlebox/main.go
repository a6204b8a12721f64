// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the ThrottleBox MQTT proxy with metrics, health
// checks and a circuit breaker in front of the broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/breaker"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/config"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/health"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/metrics"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/proxy"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/ratelimit"
)

const envPrefix = "THROTTLEBOX_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := config.New(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting throttlebox",
		slog.String("listen", cfg.ListenAddr()),
		slog.String("broker", cfg.BrokerAddr()),
		slog.Float64("max_messages_per_sec", cfg.MaxMessagesPerSec),
		slog.Int("burst_size", cfg.BurstSize),
		slog.Duration("block_duration", cfg.BlockDuration))

	m := metrics.New("throttlebox")
	limiter := ratelimit.New(cfg.Policy())

	cb := breaker.New(breaker.Config{})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("broker circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if to == breaker.StateOpen {
			m.IncrementCounter("broker_breaker_trips")
		}
	})

	checker := health.NewChecker(10 * time.Second)
	checker.Register("goroutines", func(ctx context.Context) error {
		m.SetGauge("goroutines", int64(runtime.NumGoroutine()))
		return nil
	})
	checker.Register("broker", func(ctx context.Context) error {
		conn, err := net.DialTimeout("tcp", cfg.BrokerAddr(), 2*time.Second)
		if err != nil {
			return fmt.Errorf("broker unreachable: %w", err)
		}
		return conn.Close()
	})

	go startMetricsServer(cfg.MetricsPort, m, logger)
	go startHealthServer(cfg.HealthPort, checker, logger)

	srv := proxy.New(proxy.Config{
		Address:         cfg.ListenAddr(),
		TargetAddress:   cfg.BrokerAddr(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Breaker:         cb,
		Logger:          logger,
	}, limiter, m)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("throttlebox terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("throttlebox stopped")
}

// setupLogger creates a structured logger with the requested level and
// format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startMetricsServer serves the Prometheus registry on /metrics.
func startMetricsServer(port int, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer serves health, readiness and liveness probes.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
