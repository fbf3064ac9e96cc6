// Package connection owns the single transport connection of an agent client
// and reports its status to subscribers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/convstream/internal/concurrency"
	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/transport"

	"github.com/cenkalti/backoff/v4"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusChange is delivered to every subscriber on each transition. Err is set
// when To is StatusError.
type StatusChange struct {
	From Status
	To   Status
	Err  error
}

// ReconnectPolicy builds the backoff schedule used to redial a dropped
// transport. A nil policy disables automatic reconnection.
type ReconnectPolicy func() backoff.BackOff

// ExponentialPolicy returns a policy backed by backoff.ExponentialBackOff.
func ExponentialPolicy(initial, max, maxElapsed time.Duration) ReconnectPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if initial > 0 {
			b.InitialInterval = initial
		}
		if max > 0 {
			b.MaxInterval = max
		}
		b.MaxElapsedTime = maxElapsed
		b.Reset()
		return b
	}
}

type Options struct {
	Reconnect ReconnectPolicy
}

type subscriber struct {
	id int
	fn func(StatusChange)
}

// Manager tracks one transport connection. Subscribers must not call Connect
// or Disconnect synchronously from a status callback.
type Manager struct {
	transport transport.Transport
	opts      Options

	connectMu sync.Mutex
	notifyMu  sync.Mutex
	writeMu   sync.Mutex

	mu             sync.Mutex
	status         Status
	err            error
	conn           transport.Conn
	gen            uint64
	stopReader     context.CancelFunc
	stopReconnect  context.CancelFunc
	sink           func(protocol.Event)
	subs           []subscriber
	nextSubscriber int
}

func NewManager(t transport.Transport, opts Options) *Manager {
	return &Manager{
		transport: t,
		opts:      opts,
		status:    StatusDisconnected,
	}
}

// SetSink installs the single consumer of inbound events. It is called on the
// reader goroutine and must not block.
func (m *Manager) SetSink(fn func(protocol.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the error that caused the last transition to StatusError.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// OnStatusChanged registers fn and returns a function that removes it.
func (m *Manager) OnStatusChanged(fn func(StatusChange)) func() {
	m.mu.Lock()
	m.nextSubscriber++
	id := m.nextSubscriber
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect dials the transport unless already connected. Status changes are
// delivered to subscribers before Connect returns.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.Status() == StatusConnected {
		return nil
	}

	m.setStatus(StatusConnecting, nil)
	conn, err := m.transport.Dial(ctx)
	if err != nil {
		m.setStatus(StatusError, err)
		return fmt.Errorf("connect: %w", err)
	}
	m.install(conn)
	return nil
}

// Disconnect closes the transport and cancels any pending reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.mu.Unlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	conn := m.detachLocked()
	status := m.status
	m.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	if status != StatusDisconnected {
		m.setStatus(StatusDisconnected, nil)
	}
	return closeErr
}

// Send writes one event. It fails with ErrNotConnected unless the manager is
// connected.
func (m *Manager) Send(ctx context.Context, evt protocol.Event) error {
	m.mu.Lock()
	conn := m.conn
	status := m.status
	m.mu.Unlock()

	if conn == nil || status != StatusConnected {
		return fmt.Errorf("send %s: %w", evt.Kind, convErrors.ErrNotConnected)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.Send(ctx, evt); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("send %s: %w", evt.Kind, convErrors.ErrNotConnected)
		}
		return fmt.Errorf("send %s: %w", evt.Kind, err)
	}
	metrics.RecordSent(string(evt.Kind))
	return nil
}

func (m *Manager) install(conn transport.Conn) {
	readCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.stopReader = cancel
	m.mu.Unlock()

	// Connected must be published before the reader can report a drop.
	m.setStatus(StatusConnected, nil)
	concurrency.SafeGo("connection-reader", func() { m.readLoop(readCtx, gen, conn) }, func(r interface{}) {
		m.handleDrop(gen, fmt.Errorf("reader panic: %v", r))
	})
}

// detachLocked forgets the current connection so a late reader error is ignored.
func (m *Manager) detachLocked() transport.Conn {
	conn := m.conn
	m.conn = nil
	m.gen++
	if m.stopReader != nil {
		m.stopReader()
		m.stopReader = nil
	}
	return conn
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		evt, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				slog.Warn("Skipping malformed frame", "error", err)
				metrics.RecordDropped("unknown", metrics.DropMalformed)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.handleDrop(gen, err)
			return
		}

		m.mu.Lock()
		sink := m.sink
		current := m.gen == gen
		m.mu.Unlock()
		if !current {
			return
		}
		if sink != nil {
			sink(evt)
		}
	}
}

func (m *Manager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	conn := m.detachLocked()
	policy := m.opts.Reconnect
	var reconnectCtx context.Context
	if policy != nil {
		var cancel context.CancelFunc
		reconnectCtx, cancel = context.WithCancel(context.Background())
		m.stopReconnect = cancel
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if errors.Is(err, transport.ErrClosed) {
		err = fmt.Errorf("connection closed by peer: %w", err)
	}
	slog.Error("Connection lost", "error", err)
	m.setStatus(StatusError, err)

	if policy != nil {
		concurrency.SafeGo("connection-reconnect", func() { m.reconnect(reconnectCtx, policy) }, nil)
	}
}

func (m *Manager) reconnect(ctx context.Context, policy ReconnectPolicy) {
	attempt := 0
	op := func() error {
		m.connectMu.Lock()
		defer m.connectMu.Unlock()

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if m.Status() == StatusConnected {
			return nil
		}
		attempt++
		metrics.RecordReconnectAttempt()
		m.setStatus(StatusConnecting, nil)
		conn, err := m.transport.Dial(ctx)
		if err != nil {
			m.setStatus(StatusError, err)
			return err
		}
		m.install(conn)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Reconnect failed", "attempt", attempt, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy(), ctx), notify); err != nil {
		if ctx.Err() == nil {
			slog.Error("Reconnect gave up", "attempts", attempt, "error", err)
		}
		return
	}
	slog.Info("Reconnected", "attempts", attempt)
}

// setStatus records a transition and delivers it to every subscriber in
// registration order. A panicking subscriber does not stop the others.
func (m *Manager) setStatus(to Status, err error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.status
	m.status = to
	if to == StatusError {
		m.err = err
	}
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	metrics.RecordTransition(from.String(), to.String())
	change := StatusChange{From: from, To: to, Err: err}
	for _, s := range subs {
		if r := concurrency.SafeCall(func() { s.fn(change) }); r != nil {
			slog.Error("Status subscriber panicked", "to", to, "panic", r)
			metrics.RecordSubscriberPanic("connection.status")
		}
	}
}
