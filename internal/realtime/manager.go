// Package realtime owns the single authenticated push-channel connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/credential"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/status"
)

// ErrNotConnected is returned by Emit while no transport is up.
var ErrNotConnected = errors.New("push channel not connected")

// ReconnectPolicy bounds automatic reconnection after a dial failure or a
// dropped connection.
type ReconnectPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectPolicy retries five times with delays from 1s up to 5s.
var DefaultReconnectPolicy = ReconnectPolicy{
	Attempts:     5,
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.Attempts))
}

// ConnectHook runs after every successful connect, before any inbound frame
// is delivered. epoch identifies the connection.
type ConnectHook func(ctx context.Context, epoch uint64)

// Manager connects, reconnects and tears down the push channel. Connection
// state is reported through the status machine; errors never reach callers
// of Connect.
type Manager struct {
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	policy  ReconnectPolicy
	handler func(Envelope)

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	transport Transport
	connected bool
	epoch     uint64
	hooks     []ConnectHook
	wg        sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBus publishes conn.error events on b.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics counts reconnect attempts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithReconnectPolicy overrides DefaultReconnectPolicy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithHandler sets the receiver of inbound frames.
func WithHandler(h func(Envelope)) Option {
	return func(m *Manager) { m.handler = h }
}

// NewManager creates a manager. It does nothing until Connect.
func NewManager(dialer Dialer, machine *status.Machine, opts ...Option) *Manager {
	m := &Manager{
		dialer:  dialer,
		machine: machine,
		logger:  zap.NewNop(),
		policy:  DefaultReconnectPolicy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnected registers a hook run on every connect.
func (m *Manager) OnConnected(h ConnectHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// SetHandler replaces the receiver of inbound frames.
func (m *Manager) SetHandler(h func(Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Epoch returns the id of the live connection and whether one is up.
func (m *Manager) Epoch() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.connected
}

// Connect starts connecting with cred and returns immediately. Any previous
// connection is torn down first.
func (m *Manager) Connect(cred credential.Credential) {
	m.mu.Lock()
	m.stopLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.enterLocked(status.Connecting)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("push channel connecting", zap.String("subject", cred.Subject))
	go m.run(ctx, gen, cred)
}

// Disconnect tears the connection down to Absent. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopLocked()
	m.enterLocked(status.Absent)
}

// Close disconnects and waits for the connection goroutines to exit.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// Emit writes an outbound frame on the live transport.
func (m *Manager) Emit(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	t, ok := m.transport, m.connected
	m.mu.Unlock()
	if !ok || t == nil {
		return ErrNotConnected
	}
	if err := t.Write(ctx, env); err != nil {
		return fmt.Errorf("emit %s: %w", env.Type, err)
	}
	return nil
}

func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.connected = false
}

func (m *Manager) enterLocked(s status.State) {
	if err := m.machine.Enter(s); err != nil {
		m.logger.Debug("connection state change skipped", zap.Error(err))
	}
}

// enter changes state unless a newer Connect or a Disconnect superseded gen.
func (m *Manager) enter(gen uint64, s status.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.enterLocked(s)
	return true
}

func (m *Manager) run(ctx context.Context, gen uint64, cred credential.Credential) {
	defer m.wg.Done()
	bo := m.policy.backOff()

	for {
		if !m.enter(gen, status.Connecting) {
			return
		}
		t, err := m.dialer.Dial(ctx, cred.Token)
		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			return
		}
		if err != nil {
			m.logger.Warn("push channel dial failed", zap.Error(err))
			m.bus.Emit(bus.KindConnError, err.Error())
			if !m.enter(gen, status.Error) {
				return
			}
		} else {
			bo.Reset()
			err = m.serve(ctx, gen, t)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("push channel dropped", zap.Error(err))
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Error("push channel reconnect attempts exhausted", zap.Int("attempts", m.policy.Attempts))
			m.enter(gen, status.Disconnected)
			return
		}
		m.metrics.Reconnect()
		m.logger.Info("push channel reconnecting", zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve publishes t as the live transport, runs the connect hooks and then
// reads frames until the transport fails.
func (m *Manager) serve(ctx context.Context, gen uint64, t Transport) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = t.Close()
		return ctx.Err()
	}
	m.transport = t
	m.connected = true
	m.epoch++
	epoch := m.epoch
	m.enterLocked(status.Connected)
	hooks := slices.Clone(m.hooks)
	handler := m.handler
	m.mu.Unlock()

	m.logger.Info("push channel connected", zap.String("transport", t.Name()), zap.Uint64("epoch", epoch))
	for _, h := range hooks {
		m.runHook(ctx, h, epoch)
	}

	err := m.readLoop(ctx, t, handler)

	m.mu.Lock()
	if m.gen == gen && m.transport == t {
		m.transport = nil
		m.connected = false
		m.enterLocked(status.Disconnected)
	}
	m.mu.Unlock()
	_ = t.Close()
	return err
}

func (m *Manager) readLoop(ctx context.Context, t Transport, handler func(Envelope)) error {
	for {
		env, err := t.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			m.deliver(handler, env)
		}
	}
}

func (m *Manager) deliver(handler func(Envelope), env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("push frame handler panicked", zap.String("type", env.Type), zap.Any("panic", r))
		}
	}()
	handler(env)
}

func (m *Manager) runHook(ctx context.Context, h ConnectHook, epoch uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connect hook panicked", zap.Any("panic", r))
		}
	}()
	h(ctx, epoch)
}
