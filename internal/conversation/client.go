// Package conversation implements the session layer on top of a connection
// manager: the session registry, the single-goroutine event dispatcher and
// the session/exchange/message/content-part/tool-call/interrupt streams.
//
// Every inbound event, and every event the client itself sends, is applied to
// stream state on the dispatch goroutine, one at a time, in arrival order.
// Subscribers run on that goroutine and may register further subscribers or
// send events from inside a callback.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/convstream/internal/concurrency"
	"github.com/harunnryd/convstream/internal/connection"
	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

type Client struct {
	conn   *connection.Manager
	logger *slog.Logger
	labels LabelCache

	mu       sync.Mutex
	sessions map[string]*Session

	queue             *eventQueue
	cancel            context.CancelFunc
	done              chan struct{}
	closeOnce         sync.Once
	unsubscribeStatus func()
}

// NewClient attaches a session registry to conn and starts the dispatcher.
// The client becomes the connection's only event sink.
func NewClient(conn *connection.Manager, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		logger:   slog.Default().With("component", "conversation"),
		sessions: make(map[string]*Session),
		queue:    newEventQueue(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	conn.SetSink(c.receive)
	c.unsubscribeStatus = conn.OnStatusChanged(c.onStatusChanged)
	concurrency.SafeGo("conversation-dispatch", func() { c.run(ctx) }, nil)
	return c
}

// StartSession opens a session for conversationID and returns its handle as
// soon as session.start is written. The handle becomes ready when the server
// acknowledges; use WaitReady to block on that.
//
// At most one session per conversation is live. A second call with equal
// options returns the live session; different options fail with ErrConflict.
func (c *Client) StartSession(ctx context.Context, conversationID string, opts SessionOptions) (*Session, error) {
	if conversationID == "" {
		return nil, convErrors.InvalidInput("conversation id is required")
	}
	if err := c.conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("start session %s: %w", conversationID, err)
	}

	c.mu.Lock()
	if existing, ok := c.sessions[conversationID]; ok {
		c.mu.Unlock()
		if existing.opts == opts {
			return existing, nil
		}
		return nil, convErrors.Conflict(fmt.Sprintf("session for %s already live with different options", conversationID))
	}
	s := newSession(c, conversationID, opts)
	c.sessions[conversationID] = s
	c.mu.Unlock()
	metrics.RecordSessionOpened()

	// Echo is served by the local loopback, so the server is never asked to
	// repeat client events.
	evt, err := protocol.NewEvent(protocol.KindSessionStart, conversationID, protocol.SessionStartPayload{
		Echo:     false,
		LogLevel: opts.LogLevel,
	})
	if err == nil {
		s.sendMu.Lock()
		err = c.conn.Send(ctx, evt)
		s.sendMu.Unlock()
	}
	if err != nil {
		c.retire(s)
		c.queue.push(item{kind: itemTeardown, session: s})
		return nil, fmt.Errorf("start session %s: %w", conversationID, err)
	}

	c.logger.Debug("Session starting", "conversation_id", conversationID, "echo", opts.Echo)
	return s, nil
}

// Session returns the live session for conversationID.
func (c *Client) Session(conversationID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[conversationID]
	return s, ok
}

// Sessions returns the number of live sessions.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Disconnect ends every registered session and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.SendSessionEnd(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close disconnects and stops the dispatcher once queued work is done.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Disconnect(ctx)
		if syncErr := c.Sync(ctx); syncErr != nil && err == nil {
			err = syncErr
		}
		c.unsubscribeStatus()
		c.cancel()
		<-c.done
	})
	return err
}

// Sync blocks until every event queued before the call has been dispatched.
func (c *Client) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	c.queue.push(item{kind: itemBarrier, barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-c.done:
		return convErrors.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) receive(evt protocol.Event) {
	c.queue.push(item{kind: itemEvent, evt: evt})
}

// write loops evt back into the dispatch queue and sends it. The loopback is
// queued before the send so it is ordered ahead of any reply read meanwhile;
// the dispatcher holds it until the send settles and skips it on failure.
// Callers hold the session's sendMu so loopback order matches wire order.
func (c *Client) write(ctx context.Context, s *Session, evt protocol.Event) error {
	lb := &loopback{settled: make(chan struct{})}
	c.queue.push(item{kind: itemEvent, evt: evt, session: s, local: true, loopback: lb})

	err := c.conn.Send(ctx, evt)
	lb.err = err
	close(lb.settled)
	return err
}

func (c *Client) onStatusChanged(change connection.StatusChange) {
	if change.To != connection.StatusError && change.To != connection.StatusDisconnected {
		return
	}

	c.mu.Lock()
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	for _, s := range live {
		if c.retire(s) {
			c.logger.Warn("Session torn down by connection loss",
				"conversation_id", s.conversationID, "session_id", s.ID(), "status", change.To, "error", change.Err)
			c.queue.push(item{kind: itemTeardown, session: s})
		}
	}
}

// retire removes s from the registry exactly once. A new session for the same
// conversation may be started as soon as retire returns.
func (c *Client) retire(s *Session) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.ending = true
	s.mu.Unlock()

	c.mu.Lock()
	if c.sessions[s.conversationID] == s {
		delete(c.sessions, s.conversationID)
	}
	c.mu.Unlock()
	metrics.RecordSessionClosed()
	return true
}
