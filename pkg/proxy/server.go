// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/breaker"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/metrics"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	// wakeInterval bounds every blocking read so workers observe
	// cancellation within one second.
	wakeInterval = time.Second

	// cleanupInterval is the cadence of rate-limiter bucket GC.
	cleanupInterval = 5 * time.Minute

	// dialTimeout bounds the broker dial for one worker.
	dialTimeout = 10 * time.Second
)

// Config holds the proxy server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TargetAddress is the upstream broker address (host:port).
	TargetAddress string

	// ShutdownTimeout is the maximum time to wait for active
	// connections to drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Breaker optionally guards broker dials. When nil, workers dial
	// the broker directly.
	Breaker *breaker.CircuitBreaker

	// Logger for server events.
	Logger *slog.Logger
}

// Server accepts MQTT client connections and proxies them to the
// upstream broker, applying per-client rate limits on the
// client-to-broker direction. The server owns the rate limiter and
// metrics sink; workers borrow them for the duration of a connection.
type Server struct {
	config  Config
	limiter *ratelimit.Limiter
	sink    metrics.Sink
	wg      sync.WaitGroup
	active  atomic.Int64

	mu   sync.Mutex
	addr net.Addr
}

// Addr returns the bound listener address, or nil before Listen has
// bound it. Useful when listening on an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// New creates a proxy server.
func New(cfg Config, limiter *ratelimit.Limiter, sink metrics.Sink) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		config:  cfg,
		limiter: limiter,
		sink:    sink,
	}
}

// Listen starts the proxy and blocks until the context is cancelled.
// Bind or listen failures are returned before the accept loop starts.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.config.Logger.Info("proxy listening",
		slog.String("address", listener.Addr().String()),
		slog.String("broker", s.config.TargetAddress))

	// Bucket GC runs for the lifetime of the server.
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		s.cleanupLoop(ctx)
	}()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to accept connection",
						slog.String("error", err.Error()))
					continue
				}
			}

			s.sink.IncrementCounter("total_connections")
			s.sink.SetGauge("active_connections", s.active.Add(1))

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.sink.SetGauge("active_connections", s.active.Add(-1))
				s.handleConn(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone
	<-gcDone

	// Workers notice the cancelled context at their next one-second
	// wakeup; give them until ShutdownTimeout to drain.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded")
		return ErrShutdownTimeout
	}
}

// cleanupLoop expires idle rate-limiter buckets every five minutes and
// refreshes the limiter gauges.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.CleanupExpired()
			stats := s.limiter.Stats()
			s.sink.SetGauge("unique_clients", int64(stats.TotalBuckets))
			s.sink.SetGauge("blocked_clients", int64(stats.BlockedBuckets))
			s.config.Logger.Debug("rate limiter cleanup",
				slog.Int("buckets", stats.TotalBuckets),
				slog.Int("blocked", stats.BlockedBuckets))
		}
	}
}

// handleConn runs one proxied session to completion.
func (s *Server) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	sessionID := uuid.New().String()
	fw := newForwarder(s, sessionID, client)

	if err := fw.run(ctx); err != nil {
		s.config.Logger.Debug("session ended",
			slog.String("session", sessionID),
			slog.String("remote", client.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
}
