package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/middleware"
	"github.com/nats-io/nats.go/jetstream"
)

// consumer is a registered durable consumer that survives reconnection.
type consumer struct {
	ctx     context.Context
	stream  string
	cfg     ConsumerConfig
	handler messaging.MessageHandler
	logger  *slog.Logger

	mu sync.Mutex
	cc jetstream.ConsumeContext
}

// Consume creates (or updates) a durable consumer on stream and dispatches
// its messages to handler until ctx is cancelled or the manager shuts down.
// A nil handler error acks, a *messaging.DelayError naks with that delay and
// anything else terminates the message.
func (m *Manager) Consume(ctx context.Context, stream string, cfg ConsumerConfig, handler messaging.MessageHandler) error {
	c := &consumer{
		ctx:     ctx,
		stream:  stream,
		cfg:     cfg,
		handler: handler,
		logger:  m.logger.With(slog.String("consumer", cfg.Name)),
	}

	js, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := c.start(ctx, js); err != nil {
		return err
	}

	m.mu.Lock()
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.halt()
	}()
	return nil
}

func (m *Manager) restartConsumers() {
	m.mu.Lock()
	consumers := append([]*consumer(nil), m.consumers...)
	js := m.js
	m.mu.Unlock()
	if js == nil {
		return
	}

	for _, c := range consumers {
		if c.ctx.Err() != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		if err := c.start(ctx, js); err != nil {
			c.logger.Error("failed to restart consumer after reconnect", logging.Error(err))
		}
		cancel()
	}
}

func (c *consumer) start(ctx context.Context, js jetstream.JetStream) error {
	cons, err := js.CreateOrUpdateConsumer(ctx, c.stream, c.cfg.jetstream())
	if err != nil {
		return fmt.Errorf("failed to create/update consumer %s: %w", c.cfg.Name, err)
	}

	cc, err := cons.Consume(c.dispatch)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	if c.cc != nil {
		c.cc.Stop()
	}
	c.cc = cc
	c.mu.Unlock()
	return nil
}

func (c *consumer) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc != nil {
		c.cc.Stop()
		c.cc = nil
	}
}

func (c *consumer) dispatch(msg jetstream.Msg) {
	m := toMessage(msg)
	ctx := middleware.WithRequestID(c.ctx, m.ID)

	err := c.safeHandle(ctx, m)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("ack failed", logging.Subject(m.Subject), logging.Error(ackErr))
		}
		return
	}

	if delay, ok := messaging.AsDelay(err); ok {
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			c.logger.Warn("delayed nak failed", logging.Subject(m.Subject), logging.Error(nakErr))
		}
		return
	}

	c.logger.Warn("handler failed, terminating message",
		logging.Subject(m.Subject),
		slog.String(logging.FieldRequestID, m.ID),
		logging.Error(err))
	if termErr := msg.Term(); termErr != nil {
		c.logger.Warn("term failed", logging.Subject(m.Subject), logging.Error(termErr))
	}
}

func (c *consumer) safeHandle(ctx context.Context, m *messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, m)
}

func toMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
	}

	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
		m.ID = headers.Get(messaging.HeaderMsgID)
	}

	if meta, err := msg.Metadata(); err == nil {
		m.NumDelivered = meta.NumDelivered
		m.Timestamp = meta.Timestamp
		if m.ID == "" {
			m.ID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
		}
	}
	return m
}
