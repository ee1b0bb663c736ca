// Package realtime fans company-scoped events out to live connections over
// Redis pub/sub. Any process can publish; one listener process re-emits each
// message to the room of connections joined for that company.
package realtime

import (
	"fmt"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/redis/go-redis/v9"
)

// Channel names.
const (
	ChannelAlerts        = "alerts"
	ChannelUploadStatus  = "upload_status"
	ChannelThreatUpdates = "threat_updates"
)

// DefaultChannels is the fixed set the listener subscribes to.
var DefaultChannels = []string{ChannelAlerts, ChannelUploadStatus, ChannelThreatUpdates}

// Clients is the shared publish/subscribe client pair. A subscribed Redis
// connection cannot issue other commands, so the two are kept apart.
type Clients struct {
	Pub *redis.Client
	Sub *redis.Client
}

// NewClients parses cfg.URL and builds both clients.
func NewClients(cfg config.RedisConfig) (*Clients, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	subOpts := *opts
	return &Clients{
		Pub: redis.NewClient(opts),
		Sub: redis.NewClient(&subOpts),
	}, nil
}

// Close closes both clients.
func (c *Clients) Close() error {
	errPub := c.Pub.Close()
	errSub := c.Sub.Close()
	if errPub != nil {
		return errPub
	}
	return errSub
}
