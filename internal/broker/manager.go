package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/clock/system"
	"github.com/ticnsp/eaas/internal/metrics"
)

var (
	// ErrConnect means every dial attempt failed.
	ErrConnect = errors.New("broker: could not connect")
	// ErrChannel means the connection came up but no usable channel did.
	ErrChannel = errors.New("broker: could not open channel")
)

// Config controls startup dialing.
type Config struct {
	URL      string
	Queue    string
	Warmup   time.Duration
	Attempts int
	Backoff  time.Duration
	Prefetch int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Manager dials the broker with a bounded number of attempts and prepares
// one channel for consuming.
type Manager struct {
	cfg    Config
	dial   DialFunc
	sleep  SleepFunc
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces amqp.Dial.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithSleep replaces the wall-clock wait used for warm-up and backoff.
func WithSleep(sleep SleepFunc) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithClock replaces the clock used to time attempts.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	m := &Manager{
		cfg:    cfg,
		dial:   Dial,
		sleep:  clock.Sleep,
		now:    clock.Now,
		logger: logger.Named("broker"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Topology returns the queues managed for the configured work queue.
func (m *Manager) Topology() Topology {
	return Topology{Queue: m.cfg.Queue}
}

// Connect waits out the warm-up, dials up to Attempts times, opens a
// channel, declares the topology, sets the prefetch count and puts the
// channel in confirm mode. Errors wrap
// ErrConnect or ErrChannel and are meant to end the process.
func (m *Manager) Connect(ctx context.Context) (Channel, error) {
	if m.cfg.Warmup > 0 {
		m.logger.Info("waiting before connecting to broker", zap.Duration("warmup", m.cfg.Warmup))
		if err := m.sleep(ctx, m.cfg.Warmup); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
	}

	var (
		conn    Connection
		lastErr error
	)
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		start := m.now()
		c, err := m.dial(m.cfg.URL)
		metrics.ObserveConnectAttempt(err)
		if err == nil {
			conn = c
			m.logger.Info("connected to broker",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", m.now().Sub(start)))
			break
		}
		lastErr = err
		m.logger.Error("broker connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.Attempts),
			zap.Error(err))
		if attempt == m.cfg.Attempts {
			break
		}
		if err := m.sleep(ctx, m.cfg.Backoff); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnect, m.cfg.Attempts, lastErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrChannel, err)
	}
	if err := m.Topology().Declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrChannel, err)
	}
	if err := ch.Qos(m.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: set qos: %v", ErrChannel, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: enable confirms: %v", ErrChannel, err)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 1))
	go func() {
		for r := range returns {
			m.logger.Error("broker returned unroutable message",
				zap.String("routing_key", r.RoutingKey),
				zap.Uint16("reply_code", r.ReplyCode),
				zap.String("reply_text", r.ReplyText))
		}
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			m.logger.Error("broker connection closed", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
	}()

	m.mu.Lock()
	m.conn, m.ch = conn, ch
	m.mu.Unlock()
	return ch, nil
}

// Close closes the channel, then the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn, ch := m.conn, m.ch
	m.conn, m.ch = nil, nil
	m.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
