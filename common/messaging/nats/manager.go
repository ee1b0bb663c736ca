package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrGaveUp is returned once reconnection attempts are exhausted. The
	// process must be restarted.
	ErrGaveUp = errors.New("nats: reconnection attempts exhausted")

	// ErrShuttingDown is returned by Acquire after Shutdown has been called.
	ErrShuttingDown = errors.New("nats: connection manager is shutting down")

	// ErrAcquireTimeout is returned when an in-progress dial does not finish in time.
	ErrAcquireTimeout = errors.New("nats: timed out waiting for connection")
)

type dialFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// Manager owns a single shared NATS connection and JetStream context.
// The client library's own reconnect logic is disabled; on an unsolicited
// close the manager redials with exponential backoff and restarts every
// registered consumer.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu         sync.Mutex
	conn       *nats.Conn
	js         jetstream.JetStream
	connecting chan struct{}
	consumers  []*consumer

	shuttingDown atomic.Bool
	stop         chan struct{}
	stopOnce     sync.Once
	failed       chan struct{}
	failOnce     sync.Once
}

// NewManager creates a manager. No connection is made until Acquire.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logging.Component("nats"),
		dial:   nats.Connect,
		stop:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// Acquire returns the shared JetStream context, dialing on first use.
// Concurrent callers wait for a dial in progress instead of opening their own.
func (m *Manager) Acquire(ctx context.Context) (jetstream.JetStream, error) {
	for {
		if m.shuttingDown.Load() {
			return nil, ErrShuttingDown
		}
		select {
		case <-m.failed:
			return nil, ErrGaveUp
		default:
		}

		m.mu.Lock()
		if m.js != nil && m.conn != nil && !m.conn.IsClosed() {
			js := m.js
			m.mu.Unlock()
			return js, nil
		}
		if wait := m.connecting; wait != nil {
			m.mu.Unlock()
			if err := m.waitFor(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		done := make(chan struct{})
		m.connecting = done
		m.mu.Unlock()

		err := m.connect()
		m.finishConnecting(done)
		if err != nil {
			return nil, err
		}
	}
}

func (m *Manager) waitFor(ctx context.Context, wait <-chan struct{}) error {
	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		return nil
	case <-m.failed:
		return ErrGaveUp
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAcquireTimeout
	}
}

func (m *Manager) finishConnecting(done chan struct{}) {
	m.mu.Lock()
	if m.connecting == done {
		m.connecting = nil
	}
	m.mu.Unlock()
	close(done)
}

// connect dials once. Callers must own m.connecting.
func (m *Manager) connect() error {
	conn, err := m.dial(m.cfg.URL,
		nats.Name(m.cfg.Name),
		nats.Timeout(m.cfg.Timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil && !m.shuttingDown.Load() {
				m.logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			m.handleClosed(c)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			m.logger.Error("NATS async error", logging.Subject(subject), logging.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.js = js
	m.mu.Unlock()

	if conn.IsClosed() {
		return fmt.Errorf("connection to %s closed during setup", m.cfg.URL)
	}
	m.logger.Info("NATS connected", slog.String("url", conn.ConnectedUrlRedacted()))
	return nil
}

// handleClosed runs on every close. Deliberate shutdown and stale
// connections are ignored.
func (m *Manager) handleClosed(c *nats.Conn) {
	if m.shuttingDown.Load() {
		return
	}
	m.mu.Lock()
	if c != nil && c != m.conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.js = nil
	m.mu.Unlock()

	m.logger.Warn("NATS connection closed unexpectedly, scheduling reconnect")
	m.scheduleReconnect()
}

// scheduleReconnect starts the reconnect loop unless one is already running.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.connecting != nil {
		m.mu.Unlock()
		return
	}
	done := make(chan struct{})
	m.connecting = done
	m.mu.Unlock()

	go m.reconnectLoop(done)
}

func (m *Manager) reconnectLoop(done chan struct{}) {
	defer m.finishConnecting(done)

	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		delay := m.cfg.backoff(attempt)
		select {
		case <-m.stop:
			return
		case <-time.After(delay):
		}
		if m.shuttingDown.Load() {
			return
		}

		err := m.connect()
		if err == nil {
			m.logger.Info("NATS reconnected", logging.Attempt(attempt))
			m.restartConsumers()
			return
		}
		m.logger.Warn("NATS reconnect attempt failed",
			logging.Attempt(attempt),
			slog.Duration("backoff", delay),
			logging.Error(err))
	}

	logging.Critical(context.Background(), m.logger, "NATS reconnection attempts exhausted; manual intervention required",
		slog.Int("max_attempts", m.cfg.MaxReconnects))
	m.failOnce.Do(func() { close(m.failed) })
}

// Failed is closed once reconnection has been abandoned.
func (m *Manager) Failed() <-chan struct{} {
	return m.failed
}

// IsConnected reports whether the shared connection is currently usable.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.IsConnected()
}

// Publish implements messaging.Publisher with a JetStream publish that waits
// for the stream's acknowledgment.
func (m *Manager) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// EnsureStreams creates or updates each stream.
func (m *Manager) EnsureStreams(ctx context.Context, streams ...StreamConfig) error {
	js, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, s.jetstream()); err != nil {
			return fmt.Errorf("failed to create/update stream %s: %w", s.Name, err)
		}
	}
	return nil
}

// CheckHealth creates then deletes a throwaway in-memory stream.
func (m *Manager) CheckHealth(ctx context.Context) error {
	js, err := m.Acquire(ctx)
	if err != nil {
		return err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := "HEALTH_" + id
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{"_health." + id},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Minute,
		MaxMsgs:   1,
	})
	if err != nil {
		return fmt.Errorf("health probe create: %w", err)
	}
	if err := js.DeleteStream(ctx, name); err != nil {
		return fmt.Errorf("health probe delete: %w", err)
	}
	return nil
}

// Shutdown suppresses all future reconnection, stops consumers and drains
// the connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	consumers := m.consumers
	m.consumers = nil
	conn := m.conn
	m.conn = nil
	m.js = nil
	m.mu.Unlock()

	for _, c := range consumers {
		c.halt()
	}
	if conn == nil || conn.IsClosed() {
		return nil
	}

	closed := make(chan struct{})
	conn.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain: %w", err)
	}

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-closed:
		return nil
	case <-timer.C:
		conn.Close()
		return errors.New("nats: drain timed out")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}
