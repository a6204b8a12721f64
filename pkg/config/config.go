// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates proxy configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/ratelimit"
)

// Config is the full configuration surface of the proxy.
type Config struct {
	// Listener
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:"0.0.0.0"`
	ListenPort    int    `env:"LISTEN_PORT"    envDefault:"1883"`

	// Upstream broker
	BrokerHost string `env:"BROKER_HOST" envDefault:"localhost"`
	BrokerPort int    `env:"BROKER_PORT" envDefault:"1884"`

	// Default rate-limit policy
	MaxMessagesPerSec float64       `env:"MAX_MESSAGES_PER_SEC" envDefault:"10.0"`
	BurstSize         int           `env:"BURST_SIZE"           envDefault:"20"`
	BlockDuration     time.Duration `env:"BLOCK_DURATION"       envDefault:"60s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// New parses configuration from the environment and validates it.
func New(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c Config) Validate() error {
	if c.MaxMessagesPerSec <= 0 {
		return errors.New("max_messages_per_sec must be positive")
	}
	if c.BurstSize <= 0 {
		return errors.New("burst_size must be positive")
	}
	if c.BlockDuration < 0 {
		return errors.New("block_duration cannot be negative")
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.New("listen_port must be between 1 and 65535")
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return errors.New("broker_port must be between 1 and 65535")
	}
	if c.BrokerHost == "" {
		return errors.New("broker_host cannot be empty")
	}
	return nil
}

// Policy returns the default rate-limit policy described by the
// configuration.
func (c Config) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		MaxMessagesPerSec: c.MaxMessagesPerSec,
		BurstSize:         c.BurstSize,
		BlockDuration:     c.BlockDuration,
	}
}

// ListenAddr returns the host:port the proxy binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// BrokerAddr returns the host:port of the upstream broker.
func (c Config) BrokerAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}
