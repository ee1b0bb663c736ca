package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/redis/go-redis/v9"
)

// Listener subscribes to the realtime channels and re-emits each message to
// the matching company room.
type Listener struct {
	sub      redis.UniversalClient
	hub      *Hub
	channels []string
	logger   *slog.Logger
}

// NewListener creates a listener. An empty channel list means DefaultChannels.
func NewListener(sub redis.UniversalClient, hub *Hub, channels []string) *Listener {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &Listener{
		sub:      sub,
		hub:      hub,
		channels: channels,
		logger:   logging.Component("realtime-listener"),
	}
}

// Run blocks until ctx is cancelled. The subscription is confirmed before
// Run starts delivering.
func (l *Listener) Run(ctx context.Context) error {
	ps := l.sub.Subscribe(ctx, l.channels...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	l.logger.Info("realtime listener subscribed", slog.Any("channels", l.channels))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(msg.Channel, msg.Payload)
		}
	}
}

// handle never fails: malformed payloads are logged and dropped.
func (l *Listener) handle(channel, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		l.logger.Warn("dropping malformed realtime message", slog.String("channel", channel), logging.Error(err))
		return
	}
	if env.CompanyID == "" || env.Event == "" {
		l.logger.Warn("dropping realtime message without company or event", slog.String("channel", channel))
		return
	}

	n := l.hub.Broadcast(env.CompanyID, Event{Name: env.Event, Payload: []byte(payload)})
	l.logger.Debug("realtime message fanned out",
		slog.String("channel", channel),
		logging.CompanyID(env.CompanyID),
		slog.Int("connections", n))
}
