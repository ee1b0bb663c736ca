// Package nats provides the NATS JetStream implementation of the messaging
// interfaces: a connection manager that owns the single shared connection,
// durable stream and consumer setup, and dead-letter inspection.
package nats

import (
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/nats-io/nats.go"
)

// Config holds connection manager configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects bounds the manager's reconnection attempts after an
	// unsolicited close. Exhausting them is fatal.
	MaxReconnects int

	// ReconnectWait is the first backoff delay; it doubles per attempt.
	ReconnectWait time.Duration

	// MaxReconnectWait caps the backoff delay.
	MaxReconnectWait time.Duration

	// AcquireTimeout bounds how long Acquire waits for an in-progress dial.
	AcquireTimeout time.Duration

	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration

	// Timeout is the dial timeout.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              nats.DefaultURL,
		Name:             "leakhawk",
		MaxReconnects:    10,
		ReconnectWait:    time.Second,
		MaxReconnectWait: 30 * time.Second,
		AcquireTimeout:   5 * time.Second,
		DrainTimeout:     10 * time.Second,
		Timeout:          5 * time.Second,
	}
}

// FromConfig maps the shared service configuration onto a manager Config.
func FromConfig(c config.NATSConfig) Config {
	cfg := DefaultConfig()
	if c.URL != "" {
		cfg.URL = c.URL
	}
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if c.MaxReconnects > 0 {
		cfg.MaxReconnects = c.MaxReconnects
	}
	if c.ReconnectWait > 0 {
		cfg.ReconnectWait = c.ReconnectWait
	}
	if c.MaxReconnectWait > 0 {
		cfg.MaxReconnectWait = c.MaxReconnectWait
	}
	if c.AcquireTimeout > 0 {
		cfg.AcquireTimeout = c.AcquireTimeout
	}
	if c.DrainTimeout > 0 {
		cfg.DrainTimeout = c.DrainTimeout
	}
	return cfg
}

// backoff returns the delay before reconnection attempt n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.ReconnectWait
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxReconnectWait > 0 && d >= c.MaxReconnectWait {
			return c.MaxReconnectWait
		}
	}
	return d
}
